package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
	RunReset     = "run.reset"
	StepChanged  = "step.changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. When tx is nil the write goes straight to DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, stepID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `INSERT INTO events(ts,type,run_id,step_id,payload_json) VALUES (?,?,?,?,?)`
	args := []any{ts, evtType, nullable(runID), nullable(stepID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

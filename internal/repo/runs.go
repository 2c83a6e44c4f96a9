package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tdva/internal/domain"
	"tdva/internal/events"
)

// SaveRun upserts the run row and replaces its steps.
func (r Repo) SaveRun(ctx context.Context, run domain.Run) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SaveRunTx(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) SaveRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	if run.ID == "" {
		return errors.New("run id required")
	}
	if run.CreatedAt == "" {
		run.CreatedAt = r.now()
	}
	if run.UpdatedAt == "" {
		run.UpdatedAt = r.now()
	}
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deployment_runs(id,mode,client_name,project_name,package,repo_name,session_id,attempt,status,repository_url,error,warnings_json,progress,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET session_id=excluded.session_id, attempt=excluded.attempt, status=excluded.status,
  repository_url=excluded.repository_url, error=excluded.error, warnings_json=excluded.warnings_json,
  progress=excluded.progress, updated_at=excluded.updated_at`,
		run.ID, run.Mode, run.ClientName, run.ProjectName, run.Package, run.RepoName, nullable(run.SessionID), run.Attempt,
		string(run.Status), nullable(run.RepositoryURL), nullable(run.Error), string(warningsJSON), run.Progress, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_steps WHERE run_id=?`, run.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, st := range run.Steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO deployment_steps(run_id,step_id,position,title,description,status,error) VALUES (?,?,?,?,?,?,?)`,
			run.ID, st.ID, i, st.Title, st.Description, string(st.Status), nullable(st.Error)); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return nil
}

const runColumns = `id,mode,client_name,project_name,package,repo_name,COALESCE(session_id,''),attempt,status,COALESCE(repository_url,''),COALESCE(error,''),warnings_json,progress,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status, warningsJSON string
	err := row.Scan(&run.ID, &run.Mode, &run.ClientName, &run.ProjectName, &run.Package, &run.RepoName, &run.SessionID,
		&run.Attempt, &status, &run.RepositoryURL, &run.Error, &warningsJSON, &run.Progress, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	if warningsJSON != "" {
		if err := json.Unmarshal([]byte(warningsJSON), &run.Warnings); err != nil {
			return run, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return run, nil
}

// GetRun returns a run with its steps in order.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM deployment_runs WHERE id=?`, id))
	if err != nil {
		return run, err
	}
	steps, err := r.runSteps(ctx, id)
	if err != nil {
		return run, err
	}
	run.Steps = steps
	return run, nil
}

// ListRuns returns the most recent runs first, without steps.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM deployment_runs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) runSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT step_id,title,description,status,COALESCE(error,'') FROM deployment_steps WHERE run_id=? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.Step
	for rows.Next() {
		var st domain.Step
		var status string
		if err := rows.Scan(&st.ID, &st.Title, &st.Description, &status, &st.Error); err != nil {
			return nil, err
		}
		st.Status = domain.StepStatus(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// RunEvents returns the latest events for a run, oldest first.
func (r Repo) RunEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(step_id,''),payload_json FROM
  (SELECT * FROM events WHERE run_id=? ORDER BY id DESC LIMIT ?) ORDER BY id`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.StepID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AppendEvent records one run transition in the event log.
func (r Repo) AppendEvent(ctx context.Context, evtType, runID, stepID string, payload map[string]any) error {
	return events.Writer{DB: r.DB, Now: r.Now}.Append(ctx, nil, evtType, runID, stepID, payload)
}

// EventsAfter returns up to limit events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(step_id,''),payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.StepID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

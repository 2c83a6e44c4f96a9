package deploy

import (
	"time"

	"tdva/internal/domain"
	"tdva/internal/failure"
)

// UpdateKind names what changed. The values double as event log types.
type UpdateKind string

const (
	UpdateStarted  UpdateKind = "run.started"
	UpdateStep     UpdateKind = "step.changed"
	UpdateReset    UpdateKind = "run.reset"
	UpdateFinished UpdateKind = "run.completed"
)

// Update is delivered to observers after every transition.
type Update struct {
	Kind     UpdateKind `json:"kind"`
	StepID   string     `json:"step_id,omitempty"`
	Snapshot Snapshot   `json:"snapshot"`
}

// Snapshot is a consistent copy of the orchestrator state.
type Snapshot struct {
	RunID         string        `json:"run_id"`
	Mode          Mode          `json:"mode"`
	Attempt       int           `json:"attempt"`
	Running       bool          `json:"running"`
	Done          bool          `json:"done"`
	Success       bool          `json:"success"`
	Steps         []domain.Step `json:"steps"`
	SessionID     string        `json:"session_id,omitempty"`
	RepositoryURL string        `json:"repository_url,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     failure.Kind  `json:"error_kind,omitempty"`
	Category      Category      `json:"category,omitempty"`
	Remediation   []string      `json:"remediation,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Step returns the step with id, if present.
func (s Snapshot) Step(id string) (domain.Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return domain.Step{}, false
}

func (o *Orchestrator) Snapshot() Snapshot {
	state := o.state.Load()
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		RunID:         o.id,
		Mode:          o.opts.Mode,
		Attempt:       o.attempt,
		Running:       state == stateRunning,
		Done:          state == stateDone,
		Steps:         append([]domain.Step(nil), o.steps...),
		SessionID:     o.sessionID,
		RepositoryURL: o.repositoryURL,
		Error:         o.errMsg,
		Warnings:      append([]string(nil), o.warnings...),
		CreatedAt:     o.created,
		UpdatedAt:     o.updated,
	}
	snap.Success = snap.Done && o.success
	if o.err != nil {
		snap.ErrorKind = failure.KindOf(o.err)
		snap.Category = Categorize(o.err)
		snap.Remediation = Remediation(snap.Category)
	}
	return snap
}

// Observe registers fn for every subsequent update and returns a cancel func.
// fn runs on the goroutine that made the transition.
func (o *Orchestrator) Observe(fn func(Update)) func() {
	o.obsMu.Lock()
	id := o.obsNext
	o.obsNext++
	o.observers[id] = fn
	o.obsMu.Unlock()
	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) emit(kind UpdateKind, stepID string) {
	o.obsMu.Lock()
	if len(o.observers) == 0 {
		o.obsMu.Unlock()
		return
	}
	fns := make([]func(Update), 0, len(o.observers))
	for _, fn := range o.observers {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()
	u := Update{Kind: kind, StepID: stepID, Snapshot: o.Snapshot()}
	for _, fn := range fns {
		fn(u)
	}
}

// SnapshotFromRun rebuilds a snapshot from a persisted run, for runs that are
// no longer held by a live orchestrator.
func SnapshotFromRun(run domain.Run) Snapshot {
	snap := Snapshot{
		RunID:         run.ID,
		Mode:          Mode(run.Mode),
		Attempt:       run.Attempt,
		Running:       run.Status == domain.RunRunning,
		Done:          run.Status == domain.RunSucceeded || run.Status == domain.RunFailed,
		Success:       run.Status == domain.RunSucceeded,
		Steps:         run.Steps,
		SessionID:     run.SessionID,
		RepositoryURL: run.RepositoryURL,
		Error:         run.Error,
		Warnings:      run.Warnings,
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, run.CreatedAt)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, run.UpdatedAt)
	if run.Error != "" {
		snap.Category = CategorizeMessage(run.Error)
		snap.Remediation = Remediation(snap.Category)
	}
	return snap
}

// Run converts the current state into a persisted run record.
func (o *Orchestrator) Run(progress int) domain.Run {
	snap := o.Snapshot()
	status := domain.RunPending
	switch {
	case snap.Running:
		status = domain.RunRunning
	case snap.Done && snap.Success:
		status = domain.RunSucceeded
	case snap.Done:
		status = domain.RunFailed
	}
	return domain.Run{
		ID:            snap.RunID,
		Mode:          string(snap.Mode),
		ClientName:    o.cfg.ClientName,
		ProjectName:   o.cfg.ProjectName,
		Package:       o.cfg.SelectedPackage,
		RepoName:      o.cfg.RepoName(),
		SessionID:     snap.SessionID,
		Attempt:       snap.Attempt,
		Status:        status,
		RepositoryURL: snap.RepositoryURL,
		Error:         snap.Error,
		Warnings:      snap.Warnings,
		Steps:         snap.Steps,
		Progress:      progress,
		CreatedAt:     snap.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     snap.UpdatedAt.Format(time.RFC3339Nano),
	}
}

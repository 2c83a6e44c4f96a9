package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tdva/internal/domain"
)

// Recorder persists run history. repo.Repo implements it over SQLite.
type Recorder interface {
	SaveRun(ctx context.Context, run domain.Run) error
	AppendEvent(ctx context.Context, evtType, runID, stepID string, payload map[string]any) error
}

// Metrics observes updates; see server.Metrics.
type Metrics interface {
	Observe(u Update)
}

// ProgressFunc computes the overall percentage for a step list.
type ProgressFunc func(steps []domain.Step) int

// Registry keeps live orchestrators by run id, records their transitions and
// fans updates out to per-run subscribers.
type Registry struct {
	rec      Recorder
	metrics  Metrics
	progress ProgressFunc
	log      *slog.Logger

	mu   sync.RWMutex
	runs map[string]*Orchestrator

	subMu   sync.Mutex
	subNext int
	subs    map[string]map[int]func(Update)
}

type RegistryOption func(*Registry)

func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithProgress(fn ProgressFunc) RegistryOption {
	return func(r *Registry) { r.progress = fn }
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry builds a registry. rec may be nil for ephemeral use.
func NewRegistry(rec Recorder, opts ...RegistryOption) *Registry {
	r := &Registry{
		rec:      rec,
		progress: func([]domain.Step) int { return 0 },
		log:      slog.Default(),
		runs:     map[string]*Orchestrator{},
		subs:     map[string]map[int]func(Update){},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new orchestrator and records its pending run.
func (r *Registry) Create(ctx context.Context, cfg domain.DeploymentConfig, be Backend, gh GitHub, opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	o := New("", cfg, be, gh, opts)
	r.mu.Lock()
	r.runs[o.ID()] = o
	r.mu.Unlock()
	if r.rec != nil {
		if err := r.rec.SaveRun(ctx, r.runRecord(o)); err != nil {
			r.mu.Lock()
			delete(r.runs, o.ID())
			r.mu.Unlock()
			return nil, fmt.Errorf("record run: %w", err)
		}
	}
	o.Observe(func(u Update) { r.handle(o, u) })
	return o, nil
}

func (r *Registry) Get(id string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.runs[id]
	return o, ok
}

// List returns snapshots of live runs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.runs))
	for _, o := range r.runs {
		out = append(out, o.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe delivers updates of one run to fn until cancel is called.
func (r *Registry) Subscribe(runID string, fn func(Update)) func() {
	r.subMu.Lock()
	id := r.subNext
	r.subNext++
	if r.subs[runID] == nil {
		r.subs[runID] = map[int]func(Update){}
	}
	r.subs[runID][id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs[runID], id)
		if len(r.subs[runID]) == 0 {
			delete(r.subs, runID)
		}
		r.subMu.Unlock()
	}
}

func (r *Registry) runRecord(o *Orchestrator) domain.Run {
	run := o.Run(0)
	run.Progress = r.progress(run.Steps)
	return run
}

// Progress computes the percentage for a snapshot with the registry's ProgressFunc.
func (r *Registry) Progress(s Snapshot) int { return r.progress(s.Steps) }

func (r *Registry) handle(o *Orchestrator, u Update) {
	if r.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		payload := map[string]any{"attempt": u.Snapshot.Attempt}
		if u.StepID != "" {
			if st, ok := u.Snapshot.Step(u.StepID); ok {
				payload["status"] = string(st.Status)
				if st.Error != "" {
					payload["error"] = st.Error
				}
			}
		}
		if u.Kind == UpdateFinished {
			payload["success"] = u.Snapshot.Success
			if u.Snapshot.RepositoryURL != "" {
				payload["repository_url"] = u.Snapshot.RepositoryURL
			}
		}
		if err := r.rec.AppendEvent(ctx, string(u.Kind), u.Snapshot.RunID, u.StepID, payload); err != nil {
			r.log.Warn("record run event", "run_id", u.Snapshot.RunID, "error", err)
		}
		if err := r.rec.SaveRun(ctx, r.runRecord(o)); err != nil {
			r.log.Warn("record run", "run_id", u.Snapshot.RunID, "error", err)
		}
		cancel()
	}
	if r.metrics != nil {
		r.metrics.Observe(u)
	}
	r.subMu.Lock()
	fns := make([]func(Update), 0, len(r.subs[u.Snapshot.RunID]))
	for _, fn := range r.subs[u.Snapshot.RunID] {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

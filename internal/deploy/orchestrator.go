// Package deploy drives one deployment from configuration to a terminal
// outcome, tracking per-step status and calling a completion callback exactly
// once per attempt.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"tdva/internal/backend"
	"tdva/internal/domain"
	"tdva/internal/failure"
	"tdva/internal/github"
)

var (
	// ErrAlreadyStarted is returned when Start is called on an orchestrator
	// whose attempt has already begun. Only Retry re-arms it.
	ErrAlreadyStarted = errors.New("deployment already started")
	// ErrInFlight is returned when Retry is called during an attempt.
	ErrInFlight = errors.New("deployment attempt in flight")
	// ErrAlreadySucceeded is returned when Retry is called after a successful
	// attempt. The repository exists; a new attempt would only conflict.
	ErrAlreadySucceeded = errors.New("deployment already succeeded")
)

// Backend is the deployment API the orchestrator delegates to.
type Backend interface {
	CopyPackage(ctx context.Context, req backend.CopyPackageRequest) (*domain.Result, error)
	CreateDeployment(ctx context.Context, req backend.CreateRequest) (*backend.CreateResponse, error)
}

// GitHub is the part of the GitHub client the orchestrator uses.
type GitHub interface {
	Owner(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, repo, branch string) (*github.Branch, error)
}

// BranchPolicy decides how a failed development branch affects the run.
type BranchPolicy int

const (
	// BranchCreationBestEffort records a branch failure on its step and as a
	// warning; the deployment still succeeds.
	BranchCreationBestEffort BranchPolicy = iota
	// BranchCreationRequired fails the deployment when the branch cannot be created.
	BranchCreationRequired
)

// CompleteFunc receives the outcome of one attempt.
type CompleteFunc func(success bool, repositoryURL string)

type Options struct {
	Mode Mode
	// Branch is created from main after a successful copy. Defaults to feat/dev.
	Branch       string
	BranchPolicy BranchPolicy
	// MaxAttempts above 1 retries network failures of the backend call with
	// exponential backoff starting at Backoff. Other failures are never retried.
	MaxAttempts  int
	Backoff      time.Duration
	NewSessionID func() string
	Logger       *slog.Logger
}

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
)

// Orchestrator owns the step list of one deployment.
type Orchestrator struct {
	id      string
	cfg     domain.DeploymentConfig
	backend Backend
	github  GitHub
	opts    Options
	log     *slog.Logger

	// state is the one-shot guard: idle until Start, running during an
	// attempt, done after it. Only Retry moves done back to running.
	state atomic.Int32

	mu            sync.Mutex
	steps         []domain.Step
	attempt       int
	sessionID     string
	repositoryURL string
	err           error
	errMsg        string
	warnings      []string
	success       bool
	created       time.Time
	updated       time.Time

	obsMu     sync.Mutex
	obsNext   int
	observers map[int]func(Update)
}

// New builds an orchestrator for cfg. The configuration is copied and not
// changed afterwards.
func New(id string, cfg domain.DeploymentConfig, be Backend, gh GitHub, opts Options) *Orchestrator {
	if opts.Mode == "" {
		opts.Mode = ModeCopyPackage
	}
	if opts.Branch == "" {
		opts.Branch = "feat/dev"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Orchestrator{
		id:        id,
		cfg:       cfg,
		backend:   be,
		github:    gh,
		opts:      opts,
		log:       opts.Logger.With("run_id", id, "repo", cfg.RepoName(), "mode", string(opts.Mode)),
		steps:     initialSteps(opts.Mode, cfg, opts.Branch),
		created:   now,
		updated:   now,
		observers: map[int]func(Update){},
	}
}

func (o *Orchestrator) ID() string                     { return o.id }
func (o *Orchestrator) Config() domain.DeploymentConfig { return o.cfg }
func (o *Orchestrator) Mode() Mode                     { return o.opts.Mode }

// InFlight reports whether an attempt is running.
func (o *Orchestrator) InFlight() bool { return o.state.Load() == stateRunning }

// Start runs the first attempt synchronously and calls onComplete once with
// the outcome. A second call returns ErrAlreadyStarted without contacting the
// backend.
func (o *Orchestrator) Start(ctx context.Context, onComplete CompleteFunc) error {
	if !o.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrAlreadyStarted
	}
	o.run(ctx, onComplete)
	return nil
}

// Retry resets every step to pending, clears the error and warnings, and runs
// a new attempt. It refuses while an attempt is in flight and after a
// successful one.
func (o *Orchestrator) Retry(ctx context.Context, onComplete CompleteFunc) error {
	if !o.state.CompareAndSwap(stateDone, stateRunning) {
		if o.state.CompareAndSwap(stateIdle, stateRunning) {
			o.run(ctx, onComplete)
			return nil
		}
		return ErrInFlight
	}
	o.mu.Lock()
	succeeded := o.success
	o.mu.Unlock()
	if succeeded {
		o.state.Store(stateDone)
		return ErrAlreadySucceeded
	}
	o.reset()
	o.run(ctx, onComplete)
	return nil
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.steps = initialSteps(o.opts.Mode, o.cfg, o.opts.Branch)
	o.err = nil
	o.errMsg = ""
	o.warnings = nil
	o.repositoryURL = ""
	o.success = false
	o.sessionID = ""
	o.mu.Unlock()
	o.emit(UpdateReset, "")
}

func (o *Orchestrator) run(ctx context.Context, onComplete CompleteFunc) {
	o.mu.Lock()
	o.attempt++
	attempt := o.attempt
	o.mu.Unlock()
	o.log.Info("deployment attempt started", "attempt", attempt)
	o.emit(UpdateStarted, "")

	var success bool
	var url string
	switch o.opts.Mode {
	case ModeCreate:
		success, url = o.runCreate(ctx)
	default:
		success, url = o.runCopyPackage(ctx)
	}

	o.mu.Lock()
	o.success = success
	o.repositoryURL = url
	o.mu.Unlock()
	o.state.Store(stateDone)
	if success {
		o.log.Info("deployment succeeded", "attempt", attempt, "repository_url", url)
	} else {
		o.log.Warn("deployment failed", "attempt", attempt, "error", o.errorText())
	}
	o.emit(UpdateFinished, "")
	if onComplete != nil {
		onComplete(success, url)
	}
}

func (o *Orchestrator) runCopyPackage(ctx context.Context) (bool, string) {
	o.setSteps(domain.StepRunning, "", DelegatedSteps...)

	owner, err := o.github.Owner(ctx)
	if err != nil {
		o.failDelegated(err)
		return false, ""
	}
	sessionID := o.opts.NewSessionID()
	o.mu.Lock()
	o.sessionID = sessionID
	o.mu.Unlock()

	var res *domain.Result
	err = o.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = o.backend.CopyPackage(ctx, backend.CopyPackageRequest{
			GitHubToken:        o.cfg.GitHub.PersonalAccessToken,
			Organization:       owner,
			RepoName:           o.cfg.RepoName(),
			PackageName:        o.cfg.SelectedPackage,
			ProjectName:        o.cfg.ProjectName,
			SessionID:          sessionID,
			UseProjectPrefix:   false,
			CreateRuleset:      o.cfg.CreateRuleset,
			EnvironmentSecrets: o.cfg.EnvironmentSecrets,
			TDCredentials:      tdCredentials(o.cfg.TD),
		})
		return callErr
	})
	if err != nil {
		o.failDelegated(err)
		return false, ""
	}
	if !res.Success {
		o.failDelegated(failure.New(failure.ServerReported, 0, res.FailureMessage(), nil))
		return false, ""
	}

	o.completeDelegated(res)
	url := res.RepositoryURL

	if err := o.createBranch(ctx); err != nil && o.opts.BranchPolicy == BranchCreationRequired {
		o.setError(err)
		return false, url
	}
	return true, url
}

func tdCredentials(td domain.TDCredentials) *domain.TDCredentials {
	if td.APIKey == "" && td.Region == "" && !td.EnvironmentTokens.Any() {
		return nil
	}
	c := td
	return &c
}

// withRetry runs call once, or up to MaxAttempts times while it fails with a
// Network error. The last error is returned.
func (o *Orchestrator) withRetry(ctx context.Context, call func(context.Context) error) error {
	if o.opts.MaxAttempts <= 1 {
		return call(ctx)
	}
	var lastErr error
	b := retry.WithMaxRetries(uint64(o.opts.MaxAttempts-1), retry.NewExponential(o.opts.Backoff))
	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		lastErr = call(ctx)
		if lastErr != nil && failure.Is(lastErr, failure.Network) {
			o.log.Warn("backend unreachable, retrying", "error", lastErr)
			return retry.RetryableError(lastErr)
		}
		return lastErr
	})
	if lastErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return lastErr
}

func (o *Orchestrator) failDelegated(err error) {
	msg := o.setError(err)
	o.setSteps(domain.StepFailed, msg, DelegatedSteps...)
}

// completeDelegated resolves the delegated steps from the backend result.
// Provisioning steps with failed items end as warnings.
func (o *Orchestrator) completeDelegated(res *domain.Result) {
	var details domain.ResultDetails
	if res.Details != nil {
		details = *res.Details
	}
	outcomes := map[string][]domain.ItemResult{
		StepSecrets:   details.Secrets,
		StepVariables: details.Variables,
		StepRuleset:   details.Rulesets,
	}
	nouns := map[string]string{StepSecrets: "secrets", StepVariables: "variables", StepRuleset: "rulesets"}
	for _, id := range DelegatedSteps {
		items, ok := outcomes[id]
		if !ok {
			o.setSteps(domain.StepCompleted, "", id)
			continue
		}
		status, warning := subResourceOutcome(items, nouns[id])
		o.setSteps(status, warning, id)
		if warning != "" {
			o.addWarnings(warning)
		}
	}
	o.addWarnings(res.Warnings...)
}

func (o *Orchestrator) createBranch(ctx context.Context) error {
	o.setSteps(domain.StepRunning, "", StepBranch)
	if _, err := o.github.CreateBranch(ctx, o.cfg.RepoName(), o.opts.Branch); err != nil {
		msg := HumanizeError(err)
		o.log.Warn("development branch not created", "branch", o.opts.Branch, "error", err)
		o.setSteps(domain.StepFailed, msg, StepBranch)
		o.addWarnings(fmt.Sprintf("Development branch %s was not created: %s", o.opts.Branch, msg))
		return err
	}
	o.setSteps(domain.StepCompleted, "", StepBranch)
	return nil
}

// setError records err as the attempt's failure and returns its display text.
func (o *Orchestrator) setError(err error) string {
	msg := HumanizeError(err)
	o.mu.Lock()
	o.err = err
	o.errMsg = msg
	o.mu.Unlock()
	return msg
}

func (o *Orchestrator) errorText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errMsg
}

func (o *Orchestrator) addWarnings(w ...string) {
	if len(w) == 0 {
		return
	}
	o.mu.Lock()
	o.warnings = append(o.warnings, w...)
	o.mu.Unlock()
}

// setSteps moves the named steps to status. Terminal steps only change via reset.
func (o *Orchestrator) setSteps(status domain.StepStatus, errMsg string, ids ...string) {
	var changed []string
	o.mu.Lock()
	for _, id := range ids {
		for i := range o.steps {
			if o.steps[i].ID != id {
				continue
			}
			if o.steps[i].Status.Terminal() || o.steps[i].Status == status {
				break
			}
			o.steps[i].Status = status
			o.steps[i].Error = ""
			if status == domain.StepFailed || status == domain.StepWarning {
				o.steps[i].Error = errMsg
			}
			changed = append(changed, id)
		}
	}
	o.updated = time.Now().UTC()
	o.mu.Unlock()
	for _, id := range changed {
		o.emit(UpdateStep, id)
	}
}

// retract returns running steps the backend never reached to pending.
func (o *Orchestrator) retract(ids ...string) {
	var changed []string
	o.mu.Lock()
	for _, id := range ids {
		for i := range o.steps {
			if o.steps[i].ID == id && o.steps[i].Status == domain.StepRunning {
				o.steps[i].Status = domain.StepPending
				changed = append(changed, id)
			}
		}
	}
	o.mu.Unlock()
	for _, id := range changed {
		o.emit(UpdateStep, id)
	}
}

func (o *Orchestrator) stepIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.steps))
	for i, s := range o.steps {
		ids[i] = s.ID
	}
	return ids
}

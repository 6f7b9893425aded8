// Package orchestrator drives the reason-act loop: plan an instruction,
// gate it on risk approval, run the steps, and replan on failure until the
// execution reaches a terminal status or the iteration bound is hit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/capability"
	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/executor"
	"github.com/dilip8700/zorix-agent/internal/llm"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/metrics"
	"github.com/dilip8700/zorix-agent/internal/risk"
	"github.com/dilip8700/zorix-agent/internal/state"
)

var (
	// ErrEmptyInstruction indicates a submission with no instruction text.
	ErrEmptyInstruction = errors.New("empty instruction")

	// ErrExecutionNotFound indicates an unknown execution ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionRunning indicates an operation that requires the execution
	// to be stopped, such as rollback, was attempted while it was running.
	ErrExecutionRunning = errors.New("execution is running")

	// ErrExecutionActive indicates removal was attempted before the
	// execution reached a terminal status.
	ErrExecutionActive = errors.New("execution is still active")

	// ErrIterationsExhausted is the recorded failure reason when the
	// reason-act loop hits its iteration budget without completing.
	ErrIterationsExhausted = errors.New("iteration budget exhausted")
)

// Options bounds every execution the orchestrator drives.
type Options struct {
	// MaxIterations caps plan-run-replan cycles per execution. Defaults to 10.
	MaxIterations int

	// MaxPlanSteps truncates oversized plans. Defaults to 20.
	MaxPlanSteps int

	// MaxRetries and RetryBaseDelay are passed through to the step runner.
	MaxRetries     int
	RetryBaseDelay time.Duration

	// ContinueOnError lets a run outlive individual step failures.
	ContinueOnError bool

	// DisableRollback turns off rollback-point capture.
	DisableRollback bool

	// AutoApprove bypasses the approval gate. Intended for non-interactive
	// use against a workspace the operator already trusts.
	AutoApprove bool

	// ApprovalTimeout bounds how long an execution waits for an approval
	// decision. Defaults to 5 minutes. Timeout is a denial.
	ApprovalTimeout time.Duration

	// Flags adjust risk scoring for the whole deployment.
	Flags risk.Flags
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.MaxPlanSteps <= 0 {
		o.MaxPlanSteps = 20
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = 5 * time.Minute
	}
}

// Deps are the collaborators an Orchestrator coordinates.
type Deps struct {
	Planner   Planner
	Registry  *capability.Registry
	Runner    *executor.Runner
	Estimator *risk.Estimator
	Broker    *risk.Broker
	Bus       *events.Bus
	Model     llm.Client
	Log       *logging.Logger
}

// execution pairs the state with loop bookkeeping that does not belong in
// the state itself. Guarded by the orchestrator's mutex.
type execution struct {
	st         *state.ExecutionState
	iterations int
	approved   bool
	finished   bool
}

// Orchestrator owns all live executions in the process and drives each
// through the reason-act loop. Safe for concurrent use; each execution is
// driven by one goroutine at a time.
type Orchestrator struct {
	planner   Planner
	registry  *capability.Registry
	runner    *executor.Runner
	estimator *risk.Estimator
	broker    *risk.Broker
	bus       *events.Bus
	model     llm.Client
	log       *logging.Logger
	opts      Options
	tracer    trace.Tracer

	mu         sync.Mutex
	executions map[string]*execution
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	opts.setDefaults()
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	return &Orchestrator{
		planner:    deps.Planner,
		registry:   deps.Registry,
		runner:     deps.Runner,
		estimator:  deps.Estimator,
		broker:     deps.Broker,
		bus:        deps.Bus,
		model:      deps.Model,
		log:        deps.Log,
		opts:       opts,
		tracer:     otel.Tracer("zorix/orchestrator"),
		executions: make(map[string]*execution),
	}
}

// Execute plans and runs an instruction to a stopping point: a terminal
// status or a pause. The outcome is on the returned state; the error is
// non-nil only when the submission itself is invalid.
func (o *Orchestrator) Execute(ctx context.Context, instruction, mode string) (*state.ExecutionState, error) {
	en, err := o.submit(instruction, mode)
	if err != nil {
		return nil, err
	}
	o.run(ctx, en)
	return en.st, nil
}

// ExecuteStream is Execute running in the background. It returns the
// execution ID and a channel carrying that execution's events; the channel
// closes when the execution stops (terminal status or pause).
func (o *Orchestrator) ExecuteStream(ctx context.Context, instruction, mode string) (string, <-chan events.Event, error) {
	en, err := o.submit(instruction, mode)
	if err != nil {
		return "", nil, err
	}
	id := en.st.ID()

	subName := "stream-" + id
	sub := o.bus.Subscribe(subName, 128)
	out := make(chan events.Event, 128)
	go func() {
		defer close(out)
		defer o.bus.Unsubscribe(subName)
		for ev := range sub {
			if ev.ExecutionID != id {
				continue
			}
			// A consumer that stops reading loses events; the forwarder
			// must never block past the execution's end.
			select {
			case out <- ev:
			default:
				metrics.EventsDroppedTotal.WithLabelValues(subName).Inc()
			}
			switch ev.Type {
			case events.TypeExecutionCompleted, events.TypeExecutionFailed,
				events.TypeExecutionCancelled, events.TypeExecutionPaused:
				return
			}
		}
	}()

	go o.run(ctx, en)
	return id, out, nil
}

func (o *Orchestrator) submit(instruction, mode string) (*execution, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, ErrEmptyInstruction
	}
	en := &execution{st: state.NewExecution(instruction, mode, !o.opts.DisableRollback)}
	o.mu.Lock()
	o.executions[en.st.ID()] = en
	o.mu.Unlock()
	return en, nil
}

// run carries one execution from pending to its next stopping point.
func (o *Orchestrator) run(ctx context.Context, en *execution) {
	st := en.st
	ctx = logging.WithExecutionID(ctx, st.ID())
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("execution.id", st.ID()),
			attribute.String("execution.mode", st.Mode()),
		),
	)
	defer span.End()

	o.plan(ctx, st)
	o.drive(ctx, en)
}

// plan asks the planner for the initial plan, falling back to a trivial one
// when the planner misbehaves. Bad planner output is never an execution
// failure.
func (o *Orchestrator) plan(ctx context.Context, st *state.ExecutionState) {
	o.bus.Emit(events.TypePlanningStarted, st.ID(), map[string]any{
		"instruction": st.Instruction(),
	})

	proposed, err := o.planner.Propose(ctx, st.Instruction(), st.Context(), o.registry.Describe())
	kind := "initial"
	if err != nil {
		kind = "fallback"
		proposed = fallbackPlan(st.Instruction())
		o.log.Warn(ctx, "planner failed, using fallback plan", zap.Error(err))
	}
	metrics.PlansTotal.WithLabelValues(kind).Inc()

	steps := toSteps(proposed, o.opts.MaxPlanSteps)
	st.AppendSteps(steps...)

	o.bus.Emit(events.TypePlanningCompleted, st.ID(), map[string]any{
		"steps": len(steps),
		"kind":  kind,
	})
	o.log.Info(ctx, "plan ready",
		zap.Int("steps", len(steps)),
		zap.String("kind", kind),
	)
}

// drive is the reason-act loop. Each cycle gates the remaining plan on
// approval, runs it, and either stops or replans. Stops silently on pause;
// Resume spawns a fresh drive.
func (o *Orchestrator) drive(ctx context.Context, en *execution) {
	st := en.st
	for {
		o.mu.Lock()
		if en.iterations >= o.opts.MaxIterations {
			o.mu.Unlock()
			st.Fail(fmt.Sprintf("%v: no completion after %d iterations", ErrIterationsExhausted, o.opts.MaxIterations))
			o.finish(ctx, en)
			return
		}
		en.iterations++
		approved := en.approved
		o.mu.Unlock()
		metrics.IterationsTotal.Inc()

		if !approved && !o.opts.AutoApprove {
			if !o.awaitApproval(ctx, en) {
				return
			}
		}

		if st.Status() == state.StatusPending {
			if err := st.Start(); err != nil {
				o.log.Error(ctx, "cannot start execution", zap.Error(err))
				return
			}
		}

		if err := o.runner.Run(ctx, st, executor.Options{
			MaxRetries:      o.opts.MaxRetries,
			ContinueOnError: o.opts.ContinueOnError,
			RetryBaseDelay:  o.opts.RetryBaseDelay,
		}); err != nil {
			st.Fail(fmt.Sprintf("runner error: %v", err))
			o.finish(ctx, en)
			return
		}

		switch st.Status() {
		case state.StatusCompleted, state.StatusCancelled:
			o.finish(ctx, en)
			return
		case state.StatusPaused:
			return
		case state.StatusFailed:
			if !o.replan(ctx, en) {
				o.finish(ctx, en)
				return
			}
		default:
			st.Fail(fmt.Sprintf("unexpected status %s after run", st.Status()))
			o.finish(ctx, en)
			return
		}
	}
}

// awaitApproval gates the remaining plan. A denial or timeout cancels the
// execution with the reason recorded; it is an outcome, not an error.
func (o *Orchestrator) awaitApproval(ctx context.Context, en *execution) bool {
	st := en.st
	assessment := o.estimator.Assess(pendingSteps(st), st.Mode(), o.opts.Flags)
	if err := o.broker.Await(ctx, st.ID(), assessment, o.opts.ApprovalTimeout); err != nil {
		st.SetContext("cancellation_reason", err.Error())
		st.Cancel()
		o.log.Info(ctx, "execution cancelled at approval gate", zap.Error(err))
		o.finish(ctx, en)
		return false
	}
	o.mu.Lock()
	en.approved = true
	o.mu.Unlock()
	return true
}

// replan summarizes the failure, asks the planner for replacement steps, and
// splices them in after the completed prefix. Returns false when replanning
// itself failed and the execution should stay failed.
func (o *Orchestrator) replan(ctx context.Context, en *execution) bool {
	st := en.st

	summary := FailureSummary{Instruction: st.Instruction()}
	for _, s := range st.Steps() {
		switch s.Status {
		case state.StatusFailed:
			summary.FailedSteps = append(summary.FailedSteps, s)
		case state.StatusCompleted:
			summary.CompletedSteps = append(summary.CompletedSteps, s)
		}
	}
	summary.Analysis = o.analyzeFailure(ctx, summary)

	proposed, err := o.planner.Refine(ctx, summary, o.registry.Describe())
	if err != nil {
		o.log.Warn(ctx, "replanning failed", zap.Error(err))
		return false
	}
	steps := toSteps(proposed, o.opts.MaxPlanSteps)
	if len(steps) == 0 {
		return false
	}

	st.SpliceAfterCompleted(steps...)
	if err := st.Reopen(); err != nil {
		o.log.Error(ctx, "cannot reopen execution after replan", zap.Error(err))
		return false
	}

	// The plan changed, so the old approval no longer covers it.
	o.mu.Lock()
	en.approved = false
	o.mu.Unlock()

	metrics.PlansTotal.WithLabelValues("refined").Inc()
	o.bus.Emit(events.TypePlanRefined, st.ID(), map[string]any{
		"steps":     len(steps),
		"completed": len(summary.CompletedSteps),
	})
	o.log.Info(ctx, "plan refined after failure",
		zap.Int("new_steps", len(steps)),
		zap.Int("kept_completed", len(summary.CompletedSteps)),
	)
	return true
}

// analyzeFailure asks the model what went wrong. Best effort: an empty
// analysis still allows replanning.
func (o *Orchestrator) analyzeFailure(ctx context.Context, summary FailureSummary) string {
	if o.model == nil || len(summary.FailedSteps) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\nFailed steps:\n", summary.Instruction)
	for _, s := range summary.FailedSteps {
		fmt.Fprintf(&b, "- %s (capability %s): %s\n", s.Description, s.Capability, s.Error)
	}
	if len(summary.CompletedSteps) > 0 {
		b.WriteString("\nCompleted steps:\n")
		for _, s := range summary.CompletedSteps {
			fmt.Fprintf(&b, "- %s\n", s.Description)
		}
	}

	analysis, err := o.model.Complete(ctx,
		"You are analyzing why a coding task failed. Identify the root cause "+
			"and suggest how a revised plan should differ. Be brief.",
		b.String())
	if err != nil {
		o.log.Debug(ctx, "failure analysis unavailable", zap.Error(err))
		return ""
	}
	return analysis
}

// finish records terminal metrics and emits the terminal event, exactly once
// per execution.
func (o *Orchestrator) finish(ctx context.Context, en *execution) {
	o.mu.Lock()
	if en.finished {
		o.mu.Unlock()
		return
	}
	en.finished = true
	iterations := en.iterations
	o.mu.Unlock()

	snap := en.st.Snapshot()
	metrics.ExecutionsTotal.WithLabelValues(string(snap.Status)).Inc()
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		metrics.ExecutionDuration.Observe(snap.CompletedAt.Sub(*snap.StartedAt).Seconds())
	}

	payload := map[string]any{
		"status":     string(snap.Status),
		"iterations": iterations,
	}
	var evType events.Type
	switch snap.Status {
	case state.StatusCompleted:
		evType = events.TypeExecutionCompleted
	case state.StatusCancelled:
		evType = events.TypeExecutionCancelled
	default:
		evType = events.TypeExecutionFailed
		payload["failure"] = snap.Failure
	}
	o.bus.Emit(evType, snap.ID, payload)
	o.log.Info(ctx, "execution finished",
		zap.String("status", string(snap.Status)),
		zap.Int("iterations", iterations),
	)
}

// pendingSteps returns the steps that have not completed, the subject of the
// next risk assessment.
func pendingSteps(st *state.ExecutionState) []*state.Step {
	var out []*state.Step
	for _, s := range st.Steps() {
		if s.Status != state.StatusCompleted {
			out = append(out, s)
		}
	}
	return out
}

// Status returns a snapshot of an execution.
func (o *Orchestrator) Status(id string) (state.Snapshot, error) {
	en, err := o.lookup(id)
	if err != nil {
		return state.Snapshot{}, err
	}
	return en.st.Snapshot(), nil
}

// Progress returns the completion summary of an execution.
func (o *Orchestrator) Progress(id string) (state.Progress, error) {
	en, err := o.lookup(id)
	if err != nil {
		return state.Progress{}, err
	}
	return en.st.Progress(), nil
}

// List returns snapshots of all known executions.
func (o *Orchestrator) List() []state.Snapshot {
	o.mu.Lock()
	entries := make([]*execution, 0, len(o.executions))
	for _, en := range o.executions {
		entries = append(entries, en)
	}
	o.mu.Unlock()

	out := make([]state.Snapshot, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.st.Snapshot())
	}
	return out
}

// Pause suspends a running execution at its next step boundary.
func (o *Orchestrator) Pause(id string) error {
	en, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := en.st.Pause(); err != nil {
		return err
	}
	o.bus.Emit(events.TypeExecutionPaused, id, nil)
	return nil
}

// Resume restarts a paused execution in the background.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	en, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := en.st.Resume(); err != nil {
		return err
	}
	o.bus.Emit(events.TypeExecutionResumed, id, nil)
	go o.drive(logging.WithExecutionID(ctx, id), en)
	return nil
}

// Cancel terminates an execution. A running one stops at its next step
// boundary; a paused one terminates immediately.
func (o *Orchestrator) Cancel(id string) error {
	en, err := o.lookup(id)
	if err != nil {
		return err
	}
	wasPaused := en.st.Status() == state.StatusPaused
	if err := en.st.Cancel(); err != nil {
		return err
	}
	if wasPaused {
		// No driver is attached to a paused execution, so finish here.
		o.finish(context.Background(), en)
	}
	return nil
}

// Rollback restores an execution to a captured rollback point. The
// execution must not be running; pause it first.
func (o *Orchestrator) Rollback(id, pointID string) error {
	en, err := o.lookup(id)
	if err != nil {
		return err
	}
	if en.st.Status() == state.StatusRunning {
		return fmt.Errorf("%w: pause before rolling back", ErrExecutionRunning)
	}
	if err := en.st.Rollback(pointID); err != nil {
		return err
	}
	metrics.RollbacksTotal.Inc()
	o.bus.Emit(events.TypeRollbackApplied, id, map[string]any{"point_id": pointID})
	return nil
}

// Remove forgets a terminal execution, releasing its state. Running and
// paused executions must be cancelled first; without removal a long-lived
// process accumulates finished executions indefinitely.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	en, ok := o.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	switch status := en.st.Status(); status {
	case state.StatusCompleted, state.StatusFailed, state.StatusCancelled:
		delete(o.executions, id)
		return nil
	default:
		return fmt.Errorf("%w: status %s", ErrExecutionActive, status)
	}
}

// Approve resolves a pending approval for an execution.
func (o *Orchestrator) Approve(id string, granted bool) error {
	return o.broker.Resolve(id, granted)
}

func (o *Orchestrator) lookup(id string) (*execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	en, ok := o.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return en, nil
}

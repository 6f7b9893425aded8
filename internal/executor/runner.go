// Package executor runs the steps of one execution: capability dispatch,
// retry with backoff, rollback-point capture, and step-level events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/capability"
	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/llm"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/metrics"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
	"github.com/dilip8700/zorix-agent/internal/state"
)

// errRunSuspended reports that the execution left running while a retry
// backoff was in progress. The interrupted step carries no outcome; the run
// loop observes the new status at its boundary.
var errRunSuspended = errors.New("run suspended")

// Options bounds a run.
type Options struct {
	// MaxRetries is the number of retry attempts after the first failure.
	MaxRetries int

	// ContinueOnError skips to the next step after a terminal step failure
	// instead of stopping the run.
	ContinueOnError bool

	// RetryBaseDelay is the backoff unit between attempts; attempt n waits
	// n times this. Defaults to one second.
	RetryBaseDelay time.Duration
}

// Runner executes steps against the capability registry. Stateless between
// runs; all progress lives in the ExecutionState.
type Runner struct {
	registry *capability.Registry
	model    llm.Client
	bus      *events.Bus
	log      *logging.Logger
	tracer   trace.Tracer
}

// NewRunner builds a Runner. model may be nil when plans contain only tool
// steps.
func NewRunner(registry *capability.Registry, model llm.Client, bus *events.Bus, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewNop()
	}
	return &Runner{
		registry: registry,
		model:    model,
		bus:      bus,
		log:      log,
		tracer:   otel.Tracer("zorix/executor"),
	}
}

// Run executes steps from the state's cursor until the plan is exhausted, a
// step fails terminally, or the state leaves running. Pause and cancel are
// observed at step boundaries and between retry attempts; an in-flight
// capability call is not interrupted. The outcome is recorded on the state;
// the returned error is non-nil only for invariant violations.
func (r *Runner) Run(ctx context.Context, st *state.ExecutionState, opts Options) error {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	ctx = logging.WithExecutionID(ctx, st.ID())

	for {
		switch st.Status() {
		case state.StatusPaused, state.StatusCancelled, state.StatusFailed, state.StatusCompleted:
			return nil
		case state.StatusRunning:
		default:
			return fmt.Errorf("runner invoked on %s execution", st.Status())
		}

		step := st.CurrentStep()
		if step == nil {
			return st.Complete()
		}
		if step.Status == state.StatusCompleted {
			st.Advance()
			continue
		}

		if err := r.runStep(ctx, st, step, opts); err != nil {
			if errors.Is(err, errRunSuspended) {
				// The step was returned to pending; the status switch at
				// the top of the loop decides what happens next.
				continue
			}
			st.FailStep(err.Error())
			metrics.StepsTotal.WithLabelValues(string(step.Kind), "failure").Inc()
			r.bus.Emit(events.TypeStepFailed, st.ID(), map[string]any{
				"step_id": step.ID,
				"error":   err.Error(),
			})
			r.log.Warn(ctx, "step failed",
				zap.String("step_id", step.ID),
				zap.String("description", step.Description),
				zap.Error(err),
			)
			if opts.ContinueOnError {
				st.Advance()
				continue
			}
			failure := fmt.Sprintf("step %q failed: %v", step.Description, err)
			if ferr := st.Fail(failure); ferr != nil {
				return ferr
			}
			return nil
		}

		// A checkpoint marks a known-good point. A step that needed
		// retries is not one; the next clean success will checkpoint.
		// Captured after the cursor advances so the snapshot keeps the
		// finished step and resets only what follows it.
		done := st.CurrentStep()
		st.Advance()
		if done != nil && done.Retries == 0 {
			if id := st.MarkRollbackPoint(fmt.Sprintf("after %s", step.Description)); id != "" {
				metrics.RollbackPointsTotal.Inc()
				r.bus.Emit(events.TypeRollbackCreated, st.ID(), map[string]any{
					"point_id": id,
					"step_id":  step.ID,
				})
			}
		}
	}
}

// runStep attempts one step with retry. The returned error is the terminal
// failure after retries are exhausted, the first permanent rejection, or
// errRunSuspended when the execution leaves running during a backoff wait.
func (r *Runner) runStep(ctx context.Context, st *state.ExecutionState, step *state.Step, opts Options) error {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := r.tracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.kind", string(step.Kind)),
			attribute.String("step.capability", step.Capability),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			st.RecordRetry()
			metrics.StepRetriesTotal.Inc()

			delay := time.Duration(attempt) * opts.RetryBaseDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if st.Status() != state.StatusRunning {
				st.InterruptStep()
				return errRunSuspended
			}
		}

		st.StartStep()
		r.bus.Emit(events.TypeStepStarted, st.ID(), map[string]any{
			"step_id":     step.ID,
			"description": step.Description,
			"attempt":     attempt + 1,
		})

		start := time.Now()
		result, err := r.dispatch(ctx, st, step)
		metrics.StepDuration.WithLabelValues(string(step.Kind)).Observe(time.Since(start).Seconds())

		if err == nil {
			st.CompleteStep(result)
			metrics.StepsTotal.WithLabelValues(string(step.Kind), "success").Inc()
			r.bus.Emit(events.TypeStepCompleted, st.ID(), map[string]any{
				"step_id": step.ID,
				"attempt": attempt + 1,
			})
			r.log.Info(ctx, "step completed",
				zap.String("description", step.Description),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		if !retryable(err) {
			return err
		}
		r.log.Debug(ctx, "step attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

// dispatch routes a step by kind. Tool steps resolve their capability and
// pass arguments through unmodified; reasoning and validation steps
// synthesize a model request from accumulated context.
func (r *Runner) dispatch(ctx context.Context, st *state.ExecutionState, step *state.Step) (any, error) {
	switch step.Kind {
	case state.StepTool:
		cap, err := r.registry.Get(step.Capability)
		if err != nil {
			return nil, err
		}
		return cap.Invoke(ctx, step.Args)
	case state.StepReasoning, state.StepValidation:
		if r.model == nil {
			return nil, errors.New("no reasoning source configured")
		}
		return r.model.Complete(ctx, reasoningSystemPrompt(step.Kind), reasoningPrompt(st, step))
	default:
		return nil, fmt.Errorf("%w: unknown step kind %q", capability.ErrInvalidArgs, step.Kind)
	}
}

func reasoningSystemPrompt(kind state.StepKind) string {
	if kind == state.StepValidation {
		return "You are validating the result of previous steps in a coding task. " +
			"State clearly whether the expectation holds and why."
	}
	return "You are reasoning about the next part of a coding task. " +
		"Be concise and concrete."
}

// reasoningPrompt assembles the instruction, the step at hand, and prior
// step results into one prompt.
func reasoningPrompt(st *state.ExecutionState, step *state.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\nCurrent step: %s\n", st.Instruction(), step.Description)
	if step.Rationale != "" {
		fmt.Fprintf(&b, "Rationale: %s\n", step.Rationale)
	}

	context := st.Context()
	if len(context) > 0 {
		b.WriteString("\nResults from earlier steps:\n")
		for _, prior := range st.Steps() {
			if prior.ID == step.ID {
				break
			}
			result, ok := context[prior.ID]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", prior.Description, summarize(result))
		}
	}
	return b.String()
}

// summarize renders a step result compactly for prompt context.
func summarize(result any) string {
	const maxLen = 2000
	var s string
	switch v := result.(type) {
	case string:
		s = v
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			s = content
		} else if stdout, ok := v["stdout"].(string); ok {
			s = stdout
		} else {
			s = fmt.Sprintf("%v", v)
		}
	default:
		s = fmt.Sprintf("%v", v)
	}
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

// retryable reports whether a step failure is worth another attempt.
// Gate rejections and argument errors are permanent.
func retryable(err error) bool {
	switch {
	case errors.Is(err, sandbox.ErrOutsideWorkspace),
		errors.Is(err, sandbox.ErrDeniedPath),
		errors.Is(err, sandbox.ErrNotAllowlisted),
		errors.Is(err, sandbox.ErrDangerousCommand),
		errors.Is(err, sandbox.ErrEmptyPath),
		errors.Is(err, sandbox.ErrEmptyCommand),
		errors.Is(err, capability.ErrInvalidArgs),
		errors.Is(err, capability.ErrUnknownCapability),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

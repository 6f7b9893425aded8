package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilip8700/zorix-agent/internal/capability"
	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/executor"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/risk"
	"github.com/dilip8700/zorix-agent/internal/state"
)

// scriptedPlanner returns canned plans.
type scriptedPlanner struct {
	mu           sync.Mutex
	propose      []ProposedStep
	proposeErr   error
	refine       []ProposedStep
	refineErr    error
	proposeCalls int
	refineCalls  int
}

func (p *scriptedPlanner) Propose(ctx context.Context, instruction string, context map[string]any, capabilities map[string]string) ([]ProposedStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposeCalls++
	if p.proposeErr != nil {
		return nil, p.proposeErr
	}
	return p.propose, nil
}

func (p *scriptedPlanner) Refine(ctx context.Context, summary FailureSummary, capabilities map[string]string) ([]ProposedStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refineCalls++
	if p.refineErr != nil {
		return nil, p.refineErr
	}
	return p.refine, nil
}

type fakeCapability struct {
	name  string
	calls int32
	err   error
}

func (f *fakeCapability) Name() string        { return f.name }
func (f *fakeCapability) Description() string { return "test capability" }

func (f *fakeCapability) Invoke(ctx context.Context, args map[string]any) (any, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return fmt.Sprintf("result %d", n), nil
}

// blockingCapability holds its invocation open until released.
type blockingCapability struct {
	name    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingCapability) Name() string        { return b.name }
func (b *blockingCapability) Description() string { return "blocks until released" }

func (b *blockingCapability) Invoke(ctx context.Context, args map[string]any) (any, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeModel struct {
	answer string
	err    error
}

func (m *fakeModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

func newTestOrchestrator(t *testing.T, planner Planner, opts Options, caps ...capability.Capability) (*Orchestrator, *events.Bus) {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		reg.Register(c)
	}
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	model := &fakeModel{answer: "analysis"}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	o := New(Deps{
		Planner:   planner,
		Registry:  reg,
		Runner:    executor.NewRunner(reg, model, bus, logging.NewNop()),
		Estimator: risk.NewEstimator(nil, nil),
		Broker:    risk.NewBroker(bus, logging.NewNop()),
		Bus:       bus,
		Model:     model,
		Log:       logging.NewNop(),
	}, opts)
	return o, bus
}

func toolStep(description, cap string) ProposedStep {
	return ProposedStep{Description: description, Capability: cap}
}

func TestExecuteCompletesPlan(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	planner := &scriptedPlanner{propose: []ProposedStep{
		toolStep("first", "fake_tool"),
		toolStep("second", "fake_tool"),
	}}
	o, bus := newTestOrchestrator(t, planner, Options{AutoApprove: true}, tool)
	ch := bus.Subscribe("observer", 64)

	st, err := o.Execute(context.Background(), "do the thing", "edit")
	require.NoError(t, err)

	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Equal(t, int32(2), atomic.LoadInt32(&tool.calls))
	assert.Equal(t, 1, planner.proposeCalls)
	assert.Equal(t, 0, planner.refineCalls)

	var seen []events.Type
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, events.TypePlanningStarted)
	assert.Contains(t, seen, events.TypePlanningCompleted)
	assert.Contains(t, seen, events.TypeExecutionCompleted)
}

func TestExecuteEmptyInstruction(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedPlanner{}, Options{AutoApprove: true})
	_, err := o.Execute(context.Background(), "   ", "edit")
	assert.ErrorIs(t, err, ErrEmptyInstruction)
}

func TestExecuteFallbackPlan(t *testing.T) {
	planner := &scriptedPlanner{proposeErr: ErrPlanParse}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true})

	st, err := o.Execute(context.Background(), "mystery instruction", "explain")
	require.NoError(t, err)

	// The fallback is a single reasoning step restating the instruction.
	assert.Equal(t, state.StatusCompleted, st.Status())
	steps := st.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, state.StepReasoning, steps[0].Kind)
	assert.Contains(t, steps[0].Description, "mystery instruction")
}

func TestExecuteTruncatesOversizedPlan(t *testing.T) {
	var proposed []ProposedStep
	for i := 0; i < 30; i++ {
		proposed = append(proposed, toolStep(fmt.Sprintf("step %d", i), "fake_tool"))
	}
	planner := &scriptedPlanner{propose: proposed}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true, MaxPlanSteps: 5}, &fakeCapability{name: "fake_tool"})

	st, err := o.Execute(context.Background(), "big plan", "edit")
	require.NoError(t, err)
	assert.Equal(t, 5, st.StepCount())
}

func TestExecuteReplansAfterFailure(t *testing.T) {
	steady := &fakeCapability{name: "steady"}
	broken := &fakeCapability{name: "broken", err: errors.New("boom")}
	planner := &scriptedPlanner{
		propose: []ProposedStep{
			toolStep("works", "steady"),
			toolStep("breaks", "broken"),
		},
		refine: []ProposedStep{toolStep("recovery", "steady")},
	}
	o, bus := newTestOrchestrator(t, planner, Options{AutoApprove: true}, steady, broken)
	ch := bus.Subscribe("observer", 64)

	st, err := o.Execute(context.Background(), "needs a replan", "edit")
	require.NoError(t, err)

	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Equal(t, 1, planner.refineCalls)

	// Completed prefix kept, failed remainder replaced by the refined step.
	steps := st.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "works", steps[0].Description)
	assert.Equal(t, state.StatusCompleted, steps[0].Status)
	assert.Equal(t, "recovery", steps[1].Description)
	assert.Equal(t, state.StatusCompleted, steps[1].Status)

	var seen []events.Type
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, events.TypePlanRefined)
}

func TestExecuteIterationsExhausted(t *testing.T) {
	broken := &fakeCapability{name: "broken", err: errors.New("boom")}
	planner := &scriptedPlanner{
		propose: []ProposedStep{toolStep("doomed", "broken")},
		refine:  []ProposedStep{toolStep("still doomed", "broken")},
	}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true, MaxIterations: 2}, broken)

	st, err := o.Execute(context.Background(), "never finishes", "edit")
	require.NoError(t, err)

	assert.Equal(t, state.StatusFailed, st.Status())
	assert.Contains(t, st.Failure(), "2 iterations")
	// One replan per failed iteration.
	assert.Equal(t, 2, planner.refineCalls)
}

func TestExecuteStaysFailedWhenReplanFails(t *testing.T) {
	broken := &fakeCapability{name: "broken", err: errors.New("boom")}
	planner := &scriptedPlanner{
		propose:   []ProposedStep{toolStep("doomed", "broken")},
		refineErr: errors.New("planner offline"),
	}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, broken)

	st, err := o.Execute(context.Background(), "cannot recover", "edit")
	require.NoError(t, err)

	assert.Equal(t, state.StatusFailed, st.Status())
	assert.Contains(t, st.Failure(), "doomed")
}

func TestApprovalGate(t *testing.T) {
	// A run_command step scores high enough to require explicit approval.
	newPlanner := func() *scriptedPlanner {
		return &scriptedPlanner{propose: []ProposedStep{{
			Description: "run the build",
			Capability:  "run_command",
			Args:        map[string]any{"command": "make build"},
		}}}
	}

	waitFor := func(t *testing.T, ch <-chan events.Event, want events.Type) events.Event {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev, ok := <-ch:
				require.True(t, ok, "stream closed before %s", want)
				if ev.Type == want {
					return ev
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}

	t.Run("granted", func(t *testing.T) {
		tool := &fakeCapability{name: "run_command"}
		o, _ := newTestOrchestrator(t, newPlanner(), Options{ApprovalTimeout: 5 * time.Second}, tool)

		id, stream, err := o.ExecuteStream(context.Background(), "build it", "edit")
		require.NoError(t, err)

		waitFor(t, stream, events.TypeApprovalRequested)
		require.NoError(t, o.Approve(id, true))
		waitFor(t, stream, events.TypeExecutionCompleted)

		snap, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusCompleted, snap.Status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&tool.calls))
	})

	t.Run("denied cancels the execution", func(t *testing.T) {
		tool := &fakeCapability{name: "run_command"}
		o, _ := newTestOrchestrator(t, newPlanner(), Options{ApprovalTimeout: 5 * time.Second}, tool)

		id, stream, err := o.ExecuteStream(context.Background(), "build it", "edit")
		require.NoError(t, err)

		waitFor(t, stream, events.TypeApprovalRequested)
		require.NoError(t, o.Approve(id, false))
		waitFor(t, stream, events.TypeExecutionCancelled)

		snap, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusCancelled, snap.Status)
		assert.Contains(t, snap.Context["cancellation_reason"], "denied")
		assert.Equal(t, int32(0), atomic.LoadInt32(&tool.calls))
	})

	t.Run("timeout cancels the execution", func(t *testing.T) {
		tool := &fakeCapability{name: "run_command"}
		o, _ := newTestOrchestrator(t, newPlanner(), Options{ApprovalTimeout: 20 * time.Millisecond}, tool)

		id, stream, err := o.ExecuteStream(context.Background(), "build it", "edit")
		require.NoError(t, err)

		waitFor(t, stream, events.TypeExecutionCancelled)
		snap, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusCancelled, snap.Status)
	})
}

func TestPauseAndResume(t *testing.T) {
	blocker := &blockingCapability{
		name:    "slow_tool",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	steady := &fakeCapability{name: "steady"}
	planner := &scriptedPlanner{propose: []ProposedStep{
		toolStep("long running", "slow_tool"),
		toolStep("after pause", "steady"),
	}}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, blocker, steady)

	id, stream, err := o.ExecuteStream(context.Background(), "pausable", "edit")
	require.NoError(t, err)

	<-blocker.started
	require.NoError(t, o.Pause(id))
	close(blocker.release)

	// The in-flight step finishes, then the runner observes the pause.
	require.Eventually(t, func() bool {
		snap, err := o.Status(id)
		return err == nil && snap.Status == state.StatusPaused &&
			snap.Steps[0].Status != state.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Steps[0].Status)
	assert.Equal(t, state.StatusPending, snap.Steps[1].Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&steady.calls))

	require.NoError(t, o.Resume(context.Background(), id))
	require.Eventually(t, func() bool {
		snap, err := o.Status(id)
		return err == nil && snap.Status == state.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&steady.calls))

	// Drain the stream; it closed at the pause event.
	for range stream {
	}
}

func TestCancelPausedExecution(t *testing.T) {
	blocker := &blockingCapability{
		name:    "slow_tool",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	planner := &scriptedPlanner{propose: []ProposedStep{
		toolStep("long running", "slow_tool"),
		toolStep("never reached", "slow_tool"),
	}}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, blocker)

	id, _, err := o.ExecuteStream(context.Background(), "cancellable", "edit")
	require.NoError(t, err)

	<-blocker.started
	require.NoError(t, o.Pause(id))
	close(blocker.release)
	require.Eventually(t, func() bool {
		snap, err := o.Status(id)
		return err == nil && snap.Status == state.StatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(id))
	snap, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, snap.Status)
}

func TestRollbackThroughOrchestrator(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	planner := &scriptedPlanner{propose: []ProposedStep{
		toolStep("first", "fake_tool"),
		toolStep("second", "fake_tool"),
	}}
	o, bus := newTestOrchestrator(t, planner, Options{AutoApprove: true}, tool)
	ch := bus.Subscribe("observer", 64)

	st, err := o.Execute(context.Background(), "roll me back", "edit")
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, st.Status())

	points := st.RollbackPoints()
	require.Len(t, points, 2)

	require.NoError(t, o.Rollback(st.ID(), points[0].ID))
	snap, err := o.Status(st.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Cursor)
	assert.Equal(t, state.StatusPending, snap.Steps[1].Status)

	var seen []events.Type
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, events.TypeRollbackApplied)
}

func TestRollbackUnknownExecution(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedPlanner{}, Options{AutoApprove: true})
	err := o.Rollback("no-such-id", "no-such-point")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecuteStreamAbandonedConsumer(t *testing.T) {
	// A consumer that never reads the stream must not pin the forwarder
	// goroutine or its bus subscription past the execution's end, even when
	// the execution emits more events than the stream buffers.
	broken := &fakeCapability{name: "broken", err: errors.New("boom")}
	var proposed []ProposedStep
	for i := 0; i < 20; i++ {
		proposed = append(proposed, toolStep(fmt.Sprintf("step %d", i), "broken"))
	}
	planner := &scriptedPlanner{propose: proposed}
	o, bus := newTestOrchestrator(t, planner, Options{
		AutoApprove:     true,
		MaxRetries:      9,
		ContinueOnError: true,
	}, broken)

	id, _, err := o.ExecuteStream(context.Background(), "nobody listens", "edit")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := o.Status(id)
		return err == nil && snap.Status == state.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRemoveExecution(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	planner := &scriptedPlanner{propose: []ProposedStep{toolStep("only", "fake_tool")}}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, tool)

	st, err := o.Execute(context.Background(), "short lived", "edit")
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, st.Status())

	require.NoError(t, o.Remove(st.ID()))
	assert.Empty(t, o.List())
	_, err = o.Status(st.ID())
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	assert.ErrorIs(t, o.Remove(st.ID()), ErrExecutionNotFound)
}

func TestRemoveActiveExecutionRefused(t *testing.T) {
	blocker := &blockingCapability{
		name:    "slow_tool",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	planner := &scriptedPlanner{propose: []ProposedStep{toolStep("long running", "slow_tool")}}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, blocker)

	id, stream, err := o.ExecuteStream(context.Background(), "still going", "edit")
	require.NoError(t, err)

	<-blocker.started
	assert.ErrorIs(t, o.Remove(id), ErrExecutionActive)

	close(blocker.release)
	for range stream {
	}
	require.NoError(t, o.Remove(id))
}

func TestStatusAndList(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	planner := &scriptedPlanner{propose: []ProposedStep{toolStep("only", "fake_tool")}}
	o, _ := newTestOrchestrator(t, planner, Options{AutoApprove: true}, tool)

	st, err := o.Execute(context.Background(), "track me", "edit")
	require.NoError(t, err)

	snap, err := o.Status(st.ID())
	require.NoError(t, err)
	assert.Equal(t, "track me", snap.Instruction)

	progress, err := o.Progress(st.ID())
	require.NoError(t, err)
	assert.Equal(t, 100.0, progress.Percentage)

	assert.Len(t, o.List(), 1)

	_, err = o.Status("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilip8700/zorix-agent/internal/capability"
	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
	"github.com/dilip8700/zorix-agent/internal/state"
)

// fakeCapability fails a configurable number of times before succeeding.
type fakeCapability struct {
	name     string
	failures int32
	calls    int32
	err      error
}

func (f *fakeCapability) Name() string        { return f.name }
func (f *fakeCapability) Description() string { return "test capability" }

func (f *fakeCapability) Invoke(ctx context.Context, args map[string]any) (any, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if n <= atomic.LoadInt32(&f.failures) {
		return nil, &capability.ExecutionError{
			Capability: f.name,
			Err:        fmt.Errorf("transient failure %d", n),
		}
	}
	return fmt.Sprintf("result %d", n), nil
}

type fakeModel struct {
	answer string
	err    error
	calls  int32
}

func (m *fakeModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

func newTestRunner(t *testing.T, caps ...capability.Capability) (*Runner, *events.Bus) {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		reg.Register(c)
	}
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	return NewRunner(reg, &fakeModel{answer: "analysis"}, bus, logging.NewNop()), bus
}

func fastOpts() Options {
	return Options{MaxRetries: 3, RetryBaseDelay: time.Millisecond}
}

func newRunningState(t *testing.T, steps ...*state.Step) *state.ExecutionState {
	t.Helper()
	st := state.NewExecution("test instruction", "edit", true)
	st.AppendSteps(steps...)
	require.NoError(t, st.Start())
	return st
}

func TestRunCompletesPlan(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t,
		state.NewToolStep("one", "fake_tool", nil),
		state.NewToolStep("two", "fake_tool", nil),
	)
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Equal(t, int32(2), atomic.LoadInt32(&tool.calls))
	for _, s := range st.Steps() {
		assert.Equal(t, state.StatusCompleted, s.Status)
	}
	assert.Len(t, st.RollbackPoints(), 2)
}

func TestRunStoresResultsInContext(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t, state.NewToolStep("one", "fake_tool", nil))
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	steps := st.Steps()
	assert.Equal(t, "result 1", st.Context()[steps[0].ID])
}

func TestRunRetryThenSuccess(t *testing.T) {
	// Step 2 fails once then succeeds with max_retries=1: the execution
	// completes, step 2 records one retry, and only steps 1 and 3 leave
	// rollback points.
	flaky := &fakeCapability{name: "flaky", failures: 1}
	steady := &fakeCapability{name: "steady"}
	r, _ := newTestRunner(t, flaky, steady)

	st := newRunningState(t,
		state.NewToolStep("one", "steady", nil),
		state.NewToolStep("two", "flaky", nil),
		state.NewToolStep("three", "steady", nil),
	)
	opts := Options{MaxRetries: 1, RetryBaseDelay: time.Millisecond}
	require.NoError(t, r.Run(context.Background(), st, opts))

	assert.Equal(t, state.StatusCompleted, st.Status())
	steps := st.Steps()
	assert.Equal(t, 0, steps[0].Retries)
	assert.Equal(t, 1, steps[1].Retries)
	assert.Equal(t, 0, steps[2].Retries)

	points := st.RollbackPoints()
	require.Len(t, points, 2)
	assert.Equal(t, 1, points[0].StepIndex)
	assert.Equal(t, 3, points[1].StepIndex)
}

func TestRunRetriesExhausted(t *testing.T) {
	flaky := &fakeCapability{name: "flaky", failures: 10}
	r, _ := newTestRunner(t, flaky)

	st := newRunningState(t, state.NewToolStep("doomed", "flaky", nil))
	opts := Options{MaxRetries: 2, RetryBaseDelay: time.Millisecond}
	require.NoError(t, r.Run(context.Background(), st, opts))

	assert.Equal(t, state.StatusFailed, st.Status())
	assert.Contains(t, st.Failure(), "doomed")

	steps := st.Steps()
	assert.Equal(t, state.StatusFailed, steps[0].Status)
	assert.Equal(t, 2, steps[0].Retries)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}

func TestRunMissingFileFails(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root, nil)
	require.NoError(t, err)
	r, _ := newTestRunner(t, capability.NewReadFile(sb, logging.NewNop()))

	st := newRunningState(t,
		state.NewToolStep("read missing.txt", "read_file", map[string]any{"path": "missing.txt"}),
	)
	require.NoError(t, r.Run(context.Background(), st, Options{MaxRetries: 1, RetryBaseDelay: time.Millisecond}))

	assert.Equal(t, state.StatusFailed, st.Status())
	steps := st.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, state.StatusFailed, steps[0].Status)
	assert.NotEmpty(t, steps[0].Error)
}

func TestRunGateRejectionNotRetried(t *testing.T) {
	tool := &fakeCapability{
		name: "guarded",
		err:  fmt.Errorf("%w: echo hi && rm -rf /", sandbox.ErrDangerousCommand),
	}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t, state.NewToolStep("danger", "guarded", nil))
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusFailed, st.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tool.calls))
	assert.Equal(t, 0, st.Steps()[0].Retries)
}

func TestRunUnknownCapabilityNotRetried(t *testing.T) {
	r, _ := newTestRunner(t)

	st := newRunningState(t, state.NewToolStep("ghost", "ghost_tool", nil))
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusFailed, st.Status())
	assert.Equal(t, 0, st.Steps()[0].Retries)
}

func TestRunContinueOnError(t *testing.T) {
	broken := &fakeCapability{name: "broken", failures: 99}
	steady := &fakeCapability{name: "steady"}
	r, _ := newTestRunner(t, broken, steady)

	st := newRunningState(t,
		state.NewToolStep("one", "broken", nil),
		state.NewToolStep("two", "steady", nil),
	)
	opts := Options{MaxRetries: 0, ContinueOnError: true, RetryBaseDelay: time.Millisecond}
	require.NoError(t, r.Run(context.Background(), st, opts))

	assert.Equal(t, state.StatusCompleted, st.Status())
	steps := st.Steps()
	assert.Equal(t, state.StatusFailed, steps[0].Status)
	assert.Equal(t, state.StatusCompleted, steps[1].Status)
}

func TestRunSkipsCompletedSteps(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t,
		state.NewToolStep("one", "fake_tool", nil),
		state.NewToolStep("two", "fake_tool", nil),
	)
	// First step already done from a previous run.
	st.StartStep()
	st.CompleteStep("earlier result")

	require.NoError(t, r.Run(context.Background(), st, fastOpts()))
	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tool.calls))
}

func TestRunReasoningStep(t *testing.T) {
	r, _ := newTestRunner(t)

	st := newRunningState(t, state.NewStep(state.StepReasoning, "think about it"))
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusCompleted, st.Status())
	steps := st.Steps()
	assert.Equal(t, "analysis", steps[0].Result)
}

func TestRunObservesPause(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t,
		state.NewToolStep("one", "fake_tool", nil),
		state.NewToolStep("two", "fake_tool", nil),
	)
	require.NoError(t, st.Pause())
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	// Paused before any step ran.
	assert.Equal(t, state.StatusPaused, st.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tool.calls))

	// Resume picks up where it left off.
	require.NoError(t, st.Resume())
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))
	assert.Equal(t, state.StatusCompleted, st.Status())
}

func TestRunPauseDuringRetryBackoff(t *testing.T) {
	// Pausing while the runner waits out a backoff must suspend the step,
	// not fail it: the step goes back to pending with its retry count kept,
	// and the transient error is not recorded anywhere.
	flaky := &fakeCapability{name: "flaky", failures: 1}
	r, _ := newTestRunner(t, flaky)

	st := newRunningState(t, state.NewToolStep("one", "flaky", nil))
	opts := Options{MaxRetries: 2, RetryBaseDelay: 300 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), st, opts) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, st.Pause())
	require.NoError(t, <-done)

	assert.Equal(t, state.StatusPaused, st.Status())
	steps := st.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, state.StatusPending, steps[0].Status)
	assert.Empty(t, steps[0].Error)
	assert.Equal(t, 1, steps[0].Retries)
	assert.Empty(t, st.Failure())

	// Resume retries the interrupted step and finishes the plan.
	require.NoError(t, st.Resume())
	require.NoError(t, r.Run(context.Background(), st, opts))
	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Equal(t, state.StatusCompleted, st.Steps()[0].Status)
}

func TestRunCancelDuringRetryBackoff(t *testing.T) {
	flaky := &fakeCapability{name: "flaky", failures: 99}
	r, _ := newTestRunner(t, flaky)

	st := newRunningState(t, state.NewToolStep("one", "flaky", nil))
	opts := Options{MaxRetries: 5, RetryBaseDelay: 300 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), st, opts) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, st.Cancel())
	require.NoError(t, <-done)

	assert.Equal(t, state.StatusCancelled, st.Status())
	assert.Equal(t, state.StatusPending, st.Steps()[0].Status)
}

func TestRunObservesCancel(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := newRunningState(t, state.NewToolStep("one", "fake_tool", nil))
	require.NoError(t, st.Cancel())
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusCancelled, st.Status())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tool.calls))
}

func TestRunEmitsStepEvents(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, bus := newTestRunner(t, tool)
	ch := bus.Subscribe("observer", 32)

	st := newRunningState(t, state.NewToolStep("one", "fake_tool", nil))
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	var seen []events.Type
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, events.TypeStepStarted)
	assert.Contains(t, seen, events.TypeStepCompleted)
	assert.Contains(t, seen, events.TypeRollbackCreated)
}

func TestRunFailureEmitsStepFailed(t *testing.T) {
	broken := &fakeCapability{name: "broken", err: errors.New("hard failure")}
	r, bus := newTestRunner(t, broken)
	ch := bus.Subscribe("observer", 32)

	st := newRunningState(t, state.NewToolStep("one", "broken", nil))
	require.NoError(t, r.Run(context.Background(), st, Options{MaxRetries: 0, RetryBaseDelay: time.Millisecond}))

	var seen []events.Type
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, events.TypeStepFailed)
}

func TestRunRollbackDisabled(t *testing.T) {
	tool := &fakeCapability{name: "fake_tool"}
	r, _ := newTestRunner(t, tool)

	st := state.NewExecution("no rollback", "edit", false)
	st.AppendSteps(state.NewToolStep("one", "fake_tool", nil))
	require.NoError(t, st.Start())
	require.NoError(t, r.Run(context.Background(), st, fastOpts()))

	assert.Equal(t, state.StatusCompleted, st.Status())
	assert.Empty(t, st.RollbackPoints())
}

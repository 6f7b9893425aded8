// Package state holds the mutable record of one instruction's execution:
// its ordered steps, cursor, shared context, and rollback points. One
// goroutine drives each execution, but pause, cancel, and rollback arrive
// from other goroutines, so all mutation is serialized through the state's
// own mutex.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRollbackDisabled indicates rollback was requested on an execution
	// created with rollback off.
	ErrRollbackDisabled = errors.New("rollback disabled for this execution")

	// ErrRollbackPointNotFound indicates the requested rollback point does
	// not exist, possibly because a prior rollback truncated it.
	ErrRollbackPointNotFound = errors.New("rollback point not found")
)

// RollbackPoint is an immutable snapshot taken after a successful step.
type RollbackPoint struct {
	ID             string         `json:"id"`
	Label          string         `json:"label"`
	CreatedAt      time.Time      `json:"created_at"`
	StepIndex      int            `json:"step_index"`
	Context        map[string]any `json:"context"`
	CompletedSteps int            `json:"completed_steps"`
}

// ExecutionState is the lifecycle record of one instruction.
type ExecutionState struct {
	mu sync.Mutex

	id          string
	instruction string
	mode        string
	steps       []*Step
	cursor      int
	status      Status
	context     map[string]any
	failure     string

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	rollbackPoints []RollbackPoint
	allowRollback  bool
}

// NewExecution creates a pending execution for the given instruction.
func NewExecution(instruction, mode string, allowRollback bool) *ExecutionState {
	return &ExecutionState{
		id:            uuid.NewString(),
		instruction:   instruction,
		mode:          mode,
		status:        StatusPending,
		context:       make(map[string]any),
		createdAt:     time.Now().UTC(),
		allowRollback: allowRollback,
	}
}

// ID returns the execution's identity.
func (e *ExecutionState) ID() string { return e.id }

// Instruction returns the original instruction text.
func (e *ExecutionState) Instruction() string { return e.instruction }

// Mode returns the operating mode the instruction runs under.
func (e *ExecutionState) Mode() string { return e.mode }

// Status returns the current overall status.
func (e *ExecutionState) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Failure returns the recorded failure reason, empty unless status is failed.
func (e *ExecutionState) Failure() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

func (e *ExecutionState) transition(to Status) error {
	if e.status == to {
		return nil
	}
	if !CanTransition(e.status, to) {
		return &ErrInvalidTransition{From: e.status, To: to}
	}
	e.status = to
	return nil
}

// Start moves the execution to running and stamps StartedAt.
func (e *ExecutionState) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(StatusRunning); err != nil {
		return err
	}
	if e.startedAt == nil {
		now := time.Now().UTC()
		e.startedAt = &now
	}
	return nil
}

// Pause suspends a running execution. The runner observes the pause at its
// next iteration boundary.
func (e *ExecutionState) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(StatusPaused)
}

// Resume returns a paused execution to running.
func (e *ExecutionState) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPaused {
		return &ErrInvalidTransition{From: e.status, To: StatusRunning}
	}
	return e.transition(StatusRunning)
}

// Cancel terminates the execution. Allowed from any non-terminal status.
func (e *ExecutionState) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.completedAt = &now
	return nil
}

// Complete marks the execution successful.
func (e *ExecutionState) Complete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.completedAt = &now
	return nil
}

// Fail marks the execution failed with a reason.
func (e *ExecutionState) Fail(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(StatusFailed); err != nil {
		return err
	}
	e.failure = reason
	now := time.Now().UTC()
	e.completedAt = &now
	return nil
}

// Reopen moves a failed execution back to running. Only the replan path
// uses this, after splicing recovery steps into the plan.
func (e *ExecutionState) Reopen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusFailed {
		return &ErrInvalidTransition{From: e.status, To: StatusRunning}
	}
	e.failure = ""
	e.completedAt = nil
	return e.transition(StatusRunning)
}

// AppendSteps adds steps to the end of the plan.
func (e *ExecutionState) AppendSteps(steps ...*Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, steps...)
}

// SpliceAfterCompleted replaces every step after the last completed one with
// the given steps and moves the cursor to the first of them. Used when a
// refined plan supersedes the failed remainder of the current plan.
func (e *ExecutionState) SpliceAfterCompleted(steps ...*Step) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := 0
	for i, s := range e.steps {
		if s.Status == StatusCompleted {
			keep = i + 1
		}
	}
	e.steps = append(e.steps[:keep], steps...)
	e.cursor = keep
}

// Cursor returns the index of the next step to execute.
func (e *ExecutionState) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// StepCount returns the number of planned steps.
func (e *ExecutionState) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steps)
}

// CurrentStep returns a copy of the step at the cursor, or nil when the
// cursor has run off the end of the plan.
func (e *ExecutionState) CurrentStep() *Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return nil
	}
	return e.steps[e.cursor].Clone()
}

// Advance moves the cursor one step forward. The cursor may equal the step
// count, meaning the plan is exhausted.
func (e *ExecutionState) Advance() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < len(e.steps) {
		e.cursor++
	}
}

// StartStep marks the step at the cursor running and returns a copy.
func (e *ExecutionState) StartStep() *Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return nil
	}
	s := e.steps[e.cursor]
	s.start()
	return s.Clone()
}

// CompleteStep records a successful result for the step at the cursor and
// stores it in context keyed by step ID.
func (e *ExecutionState) CompleteStep(result any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return
	}
	s := e.steps[e.cursor]
	s.complete(result)
	if result != nil {
		e.context[s.ID] = result
	}
}

// FailStep records a failure for the step at the cursor.
func (e *ExecutionState) FailStep(errText string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return
	}
	e.steps[e.cursor].fail(errText)
}

// InterruptStep returns a running step at the cursor to pending without
// recording an outcome, keeping its retry count. Used when the execution is
// paused or cancelled between retry attempts.
func (e *ExecutionState) InterruptStep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return
	}
	s := e.steps[e.cursor]
	if s.Status != StatusRunning {
		return
	}
	s.Status = StatusPending
	s.StartedAt = nil
}

// RecordRetry increments the retry counter for the step at the cursor and
// returns the new count.
func (e *ExecutionState) RecordRetry() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor < 0 || e.cursor >= len(e.steps) {
		return 0
	}
	s := e.steps[e.cursor]
	s.Retries++
	return s.Retries
}

// Steps returns deep copies of all steps.
func (e *ExecutionState) Steps() []*Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Step, len(e.steps))
	for i, s := range e.steps {
		out[i] = s.Clone()
	}
	return out
}

// Context returns a copy of the shared context map.
func (e *ExecutionState) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMap(e.context)
}

// SetContext stores a value in the shared context.
func (e *ExecutionState) SetContext(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context[key] = value
}

// AllowRollback reports whether rollback is enabled for this execution.
func (e *ExecutionState) AllowRollback() bool { return e.allowRollback }

// MarkRollbackPoint captures a snapshot of the cursor and context. Returns
// the point's ID, or empty when rollback is disabled.
func (e *ExecutionState) MarkRollbackPoint(label string) string {
	if !e.allowRollback {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	completed := 0
	for _, s := range e.steps {
		if s.Status == StatusCompleted {
			completed++
		}
	}
	p := RollbackPoint{
		ID:             uuid.NewString(),
		Label:          label,
		CreatedAt:      time.Now().UTC(),
		StepIndex:      e.cursor,
		Context:        cloneMap(e.context),
		CompletedSteps: completed,
	}
	e.rollbackPoints = append(e.rollbackPoints, p)
	return p.ID
}

// RollbackPoints returns copies of all captured rollback points.
func (e *ExecutionState) RollbackPoints() []RollbackPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RollbackPoint, len(e.rollbackPoints))
	for i, p := range e.rollbackPoints {
		out[i] = p
		out[i].Context = cloneMap(p.Context)
	}
	return out
}

// Rollback restores the cursor and context from the named point, resets
// every step at or after the snapshot index to pending, and discards every
// later rollback point. Atomic under the state mutex and idempotent:
// rolling back twice to the same point is a no-op the second time.
func (e *ExecutionState) Rollback(pointID string) error {
	if !e.allowRollback {
		return ErrRollbackDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	target := -1
	for i, p := range e.rollbackPoints {
		if p.ID == pointID {
			target = i
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("%w: %s", ErrRollbackPointNotFound, pointID)
	}
	point := e.rollbackPoints[target]

	e.cursor = point.StepIndex
	e.context = cloneMap(point.Context)
	if e.context == nil {
		e.context = make(map[string]any)
	}
	for i := point.StepIndex; i < len(e.steps); i++ {
		e.steps[i].reset()
	}
	e.rollbackPoints = e.rollbackPoints[:target+1]
	return nil
}

// Progress summarizes completion for observers.
type Progress struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	Cursor         int     `json:"cursor"`
	Percentage     float64 `json:"percentage"`
	Status         Status  `json:"status"`
	RollbackPoints int     `json:"rollback_points"`
}

// Progress returns a point-in-time completion summary.
func (e *ExecutionState) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := Progress{
		TotalSteps:     len(e.steps),
		Cursor:         e.cursor,
		Status:         e.status,
		RollbackPoints: len(e.rollbackPoints),
	}
	for _, s := range e.steps {
		switch s.Status {
		case StatusCompleted:
			p.CompletedSteps++
		case StatusFailed:
			p.FailedSteps++
		}
	}
	if p.TotalSteps > 0 {
		p.Percentage = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	}
	return p
}

// Snapshot is an immutable view of the execution for serialization.
type Snapshot struct {
	ID             string          `json:"id"`
	Instruction    string          `json:"instruction"`
	Mode           string          `json:"mode,omitempty"`
	Status         Status          `json:"status"`
	Failure        string          `json:"failure,omitempty"`
	Steps          []*Step         `json:"steps"`
	Cursor         int             `json:"cursor"`
	Context        map[string]any  `json:"context,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RollbackPoints []RollbackPoint `json:"rollback_points,omitempty"`
}

// Snapshot returns a deep copy of the whole execution.
func (e *ExecutionState) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := make([]*Step, len(e.steps))
	for i, s := range e.steps {
		steps[i] = s.Clone()
	}
	points := make([]RollbackPoint, len(e.rollbackPoints))
	for i, p := range e.rollbackPoints {
		points[i] = p
		points[i].Context = cloneMap(p.Context)
	}

	snap := Snapshot{
		ID:             e.id,
		Instruction:    e.instruction,
		Mode:           e.mode,
		Status:         e.status,
		Failure:        e.failure,
		Steps:          steps,
		Cursor:         e.cursor,
		Context:        cloneMap(e.context),
		CreatedAt:      e.createdAt,
		RollbackPoints: points,
	}
	if e.startedAt != nil {
		t := *e.startedAt
		snap.StartedAt = &t
	}
	if e.completedAt != nil {
		t := *e.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

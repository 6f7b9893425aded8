package state

import (
	"time"

	"github.com/google/uuid"
)

// StepKind classifies what a step does.
type StepKind string

const (
	// StepTool invokes a named capability with arguments.
	StepTool StepKind = "tool"

	// StepReasoning records a reasoning pass with no side effects.
	StepReasoning StepKind = "reasoning"

	// StepValidation checks an expectation about the workspace.
	StepValidation StepKind = "validation"
)

// Step is a single unit of planned work. Steps are owned by an
// ExecutionState and must only be mutated while holding its lock; the
// executor reaches them through the state's accessor methods.
type Step struct {
	ID          string         `json:"id"`
	Kind        StepKind       `json:"kind"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Rationale   string         `json:"rationale,omitempty"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Retries     int            `json:"retries"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewStep builds a pending step with a fresh ID.
func NewStep(kind StepKind, description string) *Step {
	return &Step{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Status:      StatusPending,
	}
}

// NewToolStep builds a pending tool step bound to a capability.
func NewToolStep(description, capability string, args map[string]any) *Step {
	s := NewStep(StepTool, description)
	s.Capability = capability
	s.Args = args
	return s
}

func (s *Step) start() {
	now := time.Now().UTC()
	s.Status = StatusRunning
	s.StartedAt = &now
}

func (s *Step) complete(result any) {
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	if result != nil {
		s.Result = result
	}
}

func (s *Step) fail(err string) {
	now := time.Now().UTC()
	s.Status = StatusFailed
	s.CompletedAt = &now
	s.Error = err
}

// reset returns the step to pending, clearing every outcome field so a
// rolled-back step is indistinguishable from one never attempted.
func (s *Step) reset() {
	s.Status = StatusPending
	s.Result = nil
	s.Error = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Retries = 0
}

// Clone returns a deep copy safe to hand outside the state lock.
func (s *Step) Clone() *Step {
	cp := *s
	cp.Args = cloneMap(s.Args)
	cp.Metadata = cloneMap(s.Metadata)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

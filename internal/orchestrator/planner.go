package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dilip8700/zorix-agent/internal/llm"
	"github.com/dilip8700/zorix-agent/internal/state"
)

// ErrPlanParse indicates the planner produced unusable output. Recovered
// locally by falling back to a trivial plan, never surfaced as an execution
// failure.
var ErrPlanParse = errors.New("unparseable planner output")

// ProposedStep is one step as proposed by the planner, validated and
// converted at this boundary before anything else sees it.
type ProposedStep struct {
	Description     string         `json:"description"`
	Capability      string         `json:"capability,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	Rationale       string         `json:"rationale,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
}

// FailureSummary describes a failed run for replanning.
type FailureSummary struct {
	Instruction    string
	FailedSteps    []*state.Step
	CompletedSteps []*state.Step
	Analysis       string
}

// Planner proposes and refines plans. Implementations talk to the external
// reasoning source; the control loop guards against their misbehavior.
type Planner interface {
	Propose(ctx context.Context, instruction string, context map[string]any, capabilities map[string]string) ([]ProposedStep, error)
	Refine(ctx context.Context, summary FailureSummary, capabilities map[string]string) ([]ProposedStep, error)
}

// llmPlanner asks a model for JSON plans.
type llmPlanner struct {
	model llm.Client
}

// NewPlanner builds the default model-backed Planner.
func NewPlanner(model llm.Client) Planner {
	return &llmPlanner{model: model}
}

const planningSystemPrompt = `You are a planner for a coding agent. Break the instruction into a sequence of executable steps using only the available capabilities.

Guidelines:
1. Each step is atomic with a clear purpose.
2. Steps with a capability run that capability with the given args; steps without one are reasoning steps.
3. Include validation steps where the outcome should be checked.

Respond with JSON only:
{
  "plan": [
    {
      "description": "what this step does",
      "capability": "capability_name or omit for reasoning",
      "args": {"param": "value"},
      "rationale": "why this step is needed",
      "expected_outcome": "what should hold afterwards"
    }
  ]
}`

func (p *llmPlanner) Propose(ctx context.Context, instruction string, context map[string]any, capabilities map[string]string) ([]ProposedStep, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Available capabilities:\n%s\n", describeCapabilities(capabilities))
	if len(context) > 0 {
		b.WriteString("Known context:\n")
		for k, v := range context {
			fmt.Fprintf(&b, "- %s: %s\n", k, truncate(fmt.Sprintf("%v", v), 200))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Create a step-by-step plan for this instruction:\n\n%s", instruction)

	response, err := p.model.Complete(ctx, planningSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("propose plan: %w", err)
	}
	return parsePlan(response)
}

func (p *llmPlanner) Refine(ctx context.Context, summary FailureSummary, capabilities map[string]string) ([]ProposedStep, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Available capabilities:\n%s\n", describeCapabilities(capabilities))
	fmt.Fprintf(&b, "The plan for this instruction partially failed:\n\n%s\n", summary.Instruction)

	if len(summary.CompletedSteps) > 0 {
		b.WriteString("\nSteps already completed (do not repeat them):\n")
		for _, s := range summary.CompletedSteps {
			fmt.Fprintf(&b, "- %s\n", s.Description)
		}
	}
	if len(summary.FailedSteps) > 0 {
		b.WriteString("\nFailed steps:\n")
		for _, s := range summary.FailedSteps {
			fmt.Fprintf(&b, "- %s (capability %s): %s\n", s.Description, s.Capability, s.Error)
		}
	}
	if summary.Analysis != "" {
		fmt.Fprintf(&b, "\nFailure analysis:\n%s\n", summary.Analysis)
	}
	b.WriteString("\nPropose replacement steps for the remaining work, in the same JSON format.")

	response, err := p.model.Complete(ctx, planningSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("refine plan: %w", err)
	}
	return parsePlan(response)
}

func describeCapabilities(capabilities map[string]string) string {
	var b strings.Builder
	for name, desc := range capabilities {
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	return b.String()
}

// parsePlan extracts the JSON plan from a model response that may wrap it
// in prose or a code fence.
func parsePlan(response string) ([]ProposedStep, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrPlanParse)
	}

	var parsed struct {
		Plan []ProposedStep `json:"plan"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanParse, err)
	}
	if len(parsed.Plan) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrPlanParse)
	}
	for i, s := range parsed.Plan {
		if strings.TrimSpace(s.Description) == "" {
			return nil, fmt.Errorf("%w: step %d has no description", ErrPlanParse, i+1)
		}
	}
	return parsed.Plan, nil
}

// fallbackPlan restates the instruction as a single reasoning step. Used
// whenever the planner misbehaves so an instruction never fails outright on
// bad planner output.
func fallbackPlan(instruction string) []ProposedStep {
	return []ProposedStep{{
		Description: fmt.Sprintf("Reason about how to accomplish: %s", instruction),
		Rationale:   "planner output was unusable; reasoning directly about the instruction",
	}}
}

// toSteps converts proposed steps into execution steps, capping the plan
// length.
func toSteps(proposed []ProposedStep, maxSteps int) []*state.Step {
	if maxSteps > 0 && len(proposed) > maxSteps {
		proposed = proposed[:maxSteps]
	}
	steps := make([]*state.Step, 0, len(proposed))
	for _, p := range proposed {
		var s *state.Step
		if p.Capability != "" {
			s = state.NewToolStep(p.Description, p.Capability, p.Args)
		} else if isValidation(p.Description) {
			s = state.NewStep(state.StepValidation, p.Description)
		} else {
			s = state.NewStep(state.StepReasoning, p.Description)
		}
		s.Rationale = p.Rationale
		if p.ExpectedOutcome != "" {
			s.Metadata = map[string]any{"expected_outcome": p.ExpectedOutcome}
		}
		steps = append(steps, s)
	}
	return steps
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

func isValidation(description string) bool {
	d := strings.ToLower(description)
	return strings.HasPrefix(d, "validate") || strings.HasPrefix(d, "verify") || strings.HasPrefix(d, "check that")
}

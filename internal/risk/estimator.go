// Package risk scores candidate plans and gates execution on approval.
// Assessments are derived fresh from a step list each time a plan is about
// to run and never mutated afterwards.
package risk

import (
	"fmt"
	"strings"

	"github.com/dilip8700/zorix-agent/internal/state"
)

// Level is the overall risk classification of a plan.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ApprovalLevel is the gate a plan must clear before running.
type ApprovalLevel string

const (
	ApprovalNone     ApprovalLevel = "none"
	ApprovalConfirm  ApprovalLevel = "user_confirmation"
	ApprovalExplicit ApprovalLevel = "explicit_approval"
	ApprovalAdmin    ApprovalLevel = "admin_approval"
)

// Rank orders approval levels for monotonicity checks. Higher is stricter.
func (a ApprovalLevel) Rank() int {
	switch a {
	case ApprovalConfirm:
		return 1
	case ApprovalExplicit:
		return 2
	case ApprovalAdmin:
		return 3
	default:
		return 0
	}
}

// Assessment is the derived risk profile of a plan.
type Assessment struct {
	EstimatedMinutes   float64       `json:"estimated_minutes"`
	Complexity         float64       `json:"complexity"`
	Level              Level         `json:"level"`
	Approval           ApprovalLevel `json:"approval"`
	FileModifications  int           `json:"file_modifications"`
	NewFiles           int           `json:"new_files"`
	LinesAffected      int           `json:"lines_affected"`
	CommandInvocations int           `json:"command_invocations"`
	RiskFactors        []string      `json:"risk_factors,omitempty"`
	SafetyConcerns     []string      `json:"safety_concerns,omitempty"`
	Reasoning          string        `json:"reasoning"`
}

// Summary renders the assessment for an approval prompt.
func (a Assessment) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Estimated %.1f minutes, %s risk, %s approval required.",
		a.EstimatedMinutes, a.Level, a.Approval)
	if a.FileModifications > 0 || a.NewFiles > 0 {
		fmt.Fprintf(&b, " Modifies %d file(s), creates %d.", a.FileModifications, a.NewFiles)
	}
	if len(a.SafetyConcerns) > 0 {
		fmt.Fprintf(&b, " Concerns: %s.", strings.Join(a.SafetyConcerns, "; "))
	}
	return b.String()
}

// Flags carries caller-supplied context that raises the risk score.
type Flags struct {
	Production    bool
	CriticalFiles bool
}

// Estimator scores plans. Tables default to the built-ins and can be
// overridden per-entry from configuration. Immutable after construction.
type Estimator struct {
	baseTimes       map[string]float64
	factorWeights   map[string]float64
	modeMultipliers map[string]float64
	modeRisk        map[string]float64
}

// Built-in tables. Times are minutes; weights feed the risk score.
func defaultBaseTimes() map[string]float64 {
	return map[string]float64{
		"read_file":      0.1,
		"write_file":     0.5,
		"list_directory": 0.1,
		"apply_patch":    1.0,
		"run_command":    2.0,
		"git_operation":  0.5,
		"reasoning":      1.0,
		"validation":     0.5,
	}
}

func defaultFactorWeights() map[string]float64 {
	return map[string]float64{
		"system_files":        0.8,
		"configuration_files": 0.6,
		"database_operations": 0.7,
		"network_operations":  0.5,
		"file_deletion":       0.9,
		"bulk_operations":     0.4,
		"external_commands":   0.6,
	}
}

func defaultModeMultipliers() map[string]float64 {
	return map[string]float64{
		"edit":     1.2,
		"explain":  0.8,
		"refactor": 1.5,
		"test":     1.3,
		"create":   1.0,
		"debug":    1.4,
		"optimize": 1.6,
		"document": 0.9,
	}
}

func defaultModeRisk() map[string]float64 {
	return map[string]float64{
		"edit":     0.2,
		"explain":  0.0,
		"refactor": 0.3,
		"test":     0.1,
		"create":   0.1,
		"debug":    0.2,
		"optimize": 0.3,
		"document": 0.0,
	}
}

// NewEstimator builds an Estimator. Non-nil override maps replace matching
// entries in the built-in tables; unknown keys extend them.
func NewEstimator(modeMultipliers, factorWeights map[string]float64) *Estimator {
	e := &Estimator{
		baseTimes:       defaultBaseTimes(),
		factorWeights:   defaultFactorWeights(),
		modeMultipliers: defaultModeMultipliers(),
		modeRisk:        defaultModeRisk(),
	}
	for k, v := range modeMultipliers {
		e.modeMultipliers[k] = v
	}
	for k, v := range factorWeights {
		e.factorWeights[k] = v
	}
	return e
}

// systemPathPrefixes mark paths whose modification is always a risk factor.
var systemPathPrefixes = []string{"/etc/", "/sys/", "/usr/", "/boot/"}

// configSuffixes mark configuration files.
var configSuffixes = []string{".config", ".conf", ".ini", ".env"}

// destructiveWords in a command text flag potential file deletion.
var destructiveWords = []string{"rm", "del", "format"}

// Assess scores the given steps under the given mode and context flags.
// Total over its whole input domain: every combination yields exactly one
// assessment, never an error.
func (e *Estimator) Assess(steps []*state.Step, mode string, flags Flags) Assessment {
	var (
		totalTime    float64
		complexities []float64
		factors      []string
		concerns     []string
	)
	a := Assessment{Level: LevelLow, Approval: ApprovalNone}

	for _, step := range steps {
		cost := e.assessStep(step)
		totalTime += cost.time
		complexities = append(complexities, cost.complexity)
		factors = append(factors, cost.factors...)
		concerns = append(concerns, cost.concerns...)

		switch step.Capability {
		case "write_file":
			if boolArg(step.Args, "create_new") {
				a.NewFiles++
			} else {
				a.FileModifications++
			}
			if content := stringArg(step.Args, "content"); content != "" {
				a.LinesAffected += strings.Count(content, "\n") + 1
			} else {
				a.LinesAffected += 10
			}
		case "apply_patch":
			a.FileModifications++
			for _, line := range strings.Split(stringArg(step.Args, "patch"), "\n") {
				if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
					a.LinesAffected++
				}
			}
		case "run_command":
			a.CommandInvocations++
		}
	}

	if len(complexities) > 0 {
		var sum float64
		for _, c := range complexities {
			sum += c
		}
		a.Complexity = min(1.0, sum/float64(len(complexities)))
	}

	multiplier, ok := e.modeMultipliers[mode]
	if !ok {
		multiplier = 1.0
	}
	a.EstimatedMinutes = totalTime * multiplier

	a.RiskFactors = dedup(factors)
	a.SafetyConcerns = dedup(concerns)
	a.Level = e.level(a.RiskFactors, mode, flags)
	a.Approval = approvalFor(a.Level, a.EstimatedMinutes, a.FileModifications, len(a.SafetyConcerns))
	a.Reasoning = e.reasoning(a, len(steps), mode)
	return a
}

type stepCost struct {
	time       float64
	complexity float64
	factors    []string
	concerns   []string
}

func (e *Estimator) assessStep(step *state.Step) stepCost {
	var c stepCost

	switch {
	case step.Capability != "":
		if t, ok := e.baseTimes[step.Capability]; ok {
			c.time = t
		} else if strings.HasPrefix(step.Capability, "git_") {
			c.time = e.baseTimes["git_operation"]
		} else {
			c.time = 1.0
		}
	case step.Kind == state.StepReasoning:
		c.time = e.baseTimes["reasoning"]
	case step.Kind == state.StepValidation:
		c.time = e.baseTimes["validation"]
	default:
		c.time = 1.0
	}

	c.complexity = 0.1
	switch step.Capability {
	case "write_file":
		c.complexity += float64(len(stringArg(step.Args, "content"))) / 1000

		path := stringArg(step.Args, "path")
		for _, prefix := range systemPathPrefixes {
			if strings.Contains(path, prefix) {
				c.factors = append(c.factors, "system_files")
				c.concerns = append(c.concerns, "modifying system files")
				break
			}
		}
		for _, suffix := range configSuffixes {
			if strings.HasSuffix(path, suffix) {
				c.factors = append(c.factors, "configuration_files")
				c.concerns = append(c.concerns, "modifying configuration files")
				break
			}
		}
	case "apply_patch":
		patch := stringArg(step.Args, "patch")
		c.complexity += float64(strings.Count(patch, "\n")+1) / 100
	case "run_command":
		command := strings.ToLower(stringArg(step.Args, "command"))
		c.complexity += 0.3
		c.factors = append(c.factors, "external_commands")

		for _, word := range destructiveWords {
			if strings.Contains(command, word) {
				c.complexity += 0.5
				c.factors = append(c.factors, "file_deletion")
				c.concerns = append(c.concerns, "command may delete files")
				break
			}
		}
		if strings.Contains(command, "sudo") {
			c.complexity += 0.5
			c.concerns = append(c.concerns, "command requires elevated privileges")
		}
	}
	return c
}

func (e *Estimator) level(factors []string, mode string, flags Flags) Level {
	if len(factors) == 0 && !flags.Production && !flags.CriticalFiles {
		return LevelLow
	}

	var score float64
	for _, f := range factors {
		if w, ok := e.factorWeights[f]; ok {
			score += w
		} else {
			score += 0.1
		}
	}
	if r, ok := e.modeRisk[mode]; ok {
		score += r
	} else {
		score += 0.1
	}
	if flags.Production {
		score += 0.4
	}
	if flags.CriticalFiles {
		score += 0.3
	}

	switch {
	case score >= 1.0:
		return LevelCritical
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// approvalFor maps an assessment to the approval gate. Total and monotonic:
// raising the risk level or adding safety concerns never lowers the result.
func approvalFor(level Level, minutes float64, fileMods, concernCount int) ApprovalLevel {
	if level == LevelCritical {
		return ApprovalAdmin
	}
	if level == LevelHigh || concernCount > 2 {
		return ApprovalExplicit
	}
	if level == LevelMedium || minutes > 30 || fileMods > 10 {
		return ApprovalConfirm
	}
	return ApprovalNone
}

func (e *Estimator) reasoning(a Assessment, stepCount int, mode string) string {
	var complexity string
	switch {
	case a.Complexity > 0.7:
		complexity = "high"
	case a.Complexity > 0.4:
		complexity = "moderate"
	default:
		complexity = "low"
	}
	return fmt.Sprintf("%d step(s) in %s mode, ~%.1f minutes, %s complexity, %s risk",
		stepCount, mode, a.EstimatedMinutes, complexity, a.Level)
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

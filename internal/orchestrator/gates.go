package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Violation is one problem a gate found in stage output.
type Violation struct {
	Gate        string   `json:"gate"`
	Stage       string   `json:"stage"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// OutputGate validates stage output before it is committed.
type OutputGate interface {
	// Name returns the gate identifier
	Name() string

	// Check validates res, returning violations if any
	Check(ctx context.Context, def stages.Definition, res stages.Result) []Violation
}

// DeclaredOutputsGate requires every declared output and a confidence in
// [0,1].
type DeclaredOutputsGate struct{}

// NewDeclaredOutputsGate creates the declared-outputs gate.
func NewDeclaredOutputsGate() *DeclaredOutputsGate {
	return &DeclaredOutputsGate{}
}

func (g *DeclaredOutputsGate) Name() string {
	return "declared-outputs"
}

func (g *DeclaredOutputsGate) Check(_ context.Context, def stages.Definition, res stages.Result) []Violation {
	var ve *stages.ValidationError
	if !errors.As(stages.CheckResult(def.Name, def.Outputs, res), &ve) {
		return nil
	}
	violations := make([]Violation, 0, len(ve.Problems))
	for _, p := range ve.Problems {
		violations = append(violations, Violation{
			Gate:        g.Name(),
			Stage:       def.Name,
			Description: p,
			Severity:    SeverityError,
		})
	}
	return violations
}

// ConfidenceGate warns about output committed with low confidence. It
// never blocks: commit order decides, confidence is only recorded.
type ConfidenceGate struct {
	Min float64
}

// NewConfidenceGate creates a gate warning below threshold.
func NewConfidenceGate(threshold float64) *ConfidenceGate {
	return &ConfidenceGate{Min: threshold}
}

func (g *ConfidenceGate) Name() string {
	return "low-confidence"
}

func (g *ConfidenceGate) Check(_ context.Context, def stages.Definition, res stages.Result) []Violation {
	if res.Confidence >= g.Min {
		return nil
	}
	return []Violation{{
		Gate:        g.Name(),
		Stage:       def.Name,
		Description: fmt.Sprintf("confidence %.2f below %.2f", res.Confidence, g.Min),
		Severity:    SeverityWarning,
	}}
}

// checkGates runs every gate and splits the violations by severity.
func checkGates(ctx context.Context, gates []OutputGate, def stages.Definition, res stages.Result) (blocking, warnings []Violation) {
	for _, gate := range gates {
		for _, v := range gate.Check(ctx, def, res) {
			if v.Severity == SeverityError {
				blocking = append(blocking, v)
			} else {
				warnings = append(warnings, v)
			}
		}
	}
	return blocking, warnings
}

// validationError converts blocking violations into the error the router
// classifies.
func validationError(stage string, violations []Violation) error {
	problems := make([]string, 0, len(violations))
	for _, v := range violations {
		problems = append(problems, fmt.Sprintf("[%s] %s", v.Gate, v.Description))
	}
	return &stages.ValidationError{Stage: stage, Problems: problems}
}

package stages

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// Request is one invocation of a stage.
type Request struct {
	RunID string
	Stage string
	Role  Role
	View  View
	Hint  Hint
	// Token is the capability token ID for critical stages, empty otherwise.
	Token   string
	Attempt int
}

// Result is what a runner produced. Values are keyed by output name
// (unscoped) and committed by the orchestrator.
type Result struct {
	Values     map[string]any `json:"values"`
	Confidence float64        `json:"confidence"`
}

// StageRunner executes one stage.
type StageRunner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to StageRunner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// CheckResult applies the output gates: every declared output is present
// and confidence lies in [0,1].
func CheckResult(stage string, outputs []string, res Result) error {
	var problems []string
	for _, key := range outputs {
		if _, ok := res.Values[key]; !ok {
			problems = append(problems, fmt.Sprintf("missing output %q", key))
		}
	}
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %v out of range", res.Confidence))
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return &ValidationError{Stage: stage, Problems: problems}
	}
	return nil
}

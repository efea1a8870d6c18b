package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	api "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// maxActiveShown bounds how many in-flight runs get a progress bar.
const maxActiveShown = 6

// Source is the subset of the API the dashboard reads. *client.Client
// satisfies it.
type Source interface {
	Health(ctx context.Context) (api.HealthResponse, error)
	List(ctx context.Context, status orchestrator.Status) ([]orchestrator.PipelineRun, error)
	Approvals(ctx context.Context) ([]approval.Request, error)
	Context(ctx context.Context, id string) (map[string]contextstore.Decision, error)
}

// ActiveRun is one in-flight run.
type ActiveRun struct {
	ID      string
	Stage   string
	Handler string
	// Progress is the completion percentage, 0-100.
	Progress  float64
	Recovery  int
	StartedAt time.Time
}

// Snapshot holds one poll of the server.
type Snapshot struct {
	Health   string
	Services map[string]string
	Counts   map[orchestrator.Status]int
	Active   []ActiveRun
	Pending  []approval.Request

	// Historical data for sparklines (last N points)
	ActiveHistory   []float64
	FinishedHistory []float64

	// Terminal is the number of finished runs at this poll, used to derive
	// throughput between polls.
	Terminal int
}

// Collect polls src once.
func Collect(ctx context.Context, src Source) (Snapshot, error) {
	health, err := src.Health(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	runs, err := src.List(ctx, "")
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := src.Approvals(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		Health:   health.Status,
		Services: health.Services,
		Counts:   make(map[orchestrator.Status]int),
		Pending:  pending,
	}
	for _, r := range runs {
		s.Counts[r.Status]++
		if r.Status.Terminal() {
			s.Terminal++
			continue
		}
		if r.Status != orchestrator.StatusRunning {
			continue
		}
		s.Active = append(s.Active, ActiveRun{
			ID:        r.ID,
			Stage:     r.Stage,
			Handler:   string(r.Handler),
			Recovery:  r.RecoveryAttempts,
			StartedAt: r.CreatedAt,
		})
	}

	// Newest first, then only the shown runs pay for a context fetch.
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i].StartedAt.After(s.Active[j].StartedAt) })
	if len(s.Active) > maxActiveShown {
		s.Active = s.Active[:maxActiveShown]
	}
	for i := range s.Active {
		decisions, err := src.Context(ctx, s.Active[i].ID)
		if err != nil {
			// Run finished between the two calls.
			continue
		}
		if v, ok := decisions[orchestrator.ProgressKey].Value.(float64); ok {
			s.Active[i].Progress = v
		}
	}
	return s, nil
}

package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// Backend is the daemon API the tools call. *client.Client satisfies it.
type Backend interface {
	Submit(ctx context.Context, input string) (orchestrator.PipelineRun, error)
	Get(ctx context.Context, id string) (orchestrator.PipelineRun, error)
	List(ctx context.Context, status orchestrator.Status) ([]orchestrator.PipelineRun, error)
	Context(ctx context.Context, id string) (map[string]contextstore.Decision, error)
	Rollback(ctx context.Context, id, checkpoint string) (orchestrator.PipelineRun, error)
	Resolve(ctx context.Context, id string, d approval.Decision, note string) (orchestrator.PipelineRun, error)
	Cancel(ctx context.Context, id string) (orchestrator.PipelineRun, error)
	Approvals(ctx context.Context) ([]approval.Request, error)
	Audit(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// Config holds MCP server identity.
type Config struct {
	Name    string
	Version string
	Logger  *zap.Logger
	Metrics *Metrics
}

// Server implements the MCP server.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	logger  *zap.Logger
	metrics *Metrics
}

// NewServer creates an MCP server delegating to backend.
func NewServer(cfg *Config, backend Backend) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pipelined"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		backend: backend,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves MCP on stdin/stdout until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

package http_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	httpserver "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
)

// ExampleServer demonstrates how to serve an engine over HTTP.
func ExampleServer() {
	logger := zap.NewNop()

	log := audit.New(logger)
	queue := approval.NewQueue(time.Hour, approval.DecisionDeny, log, logger)
	defer queue.Close()

	engine, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.DefaultGraph(), orchestrator.Deps{
		Store:     contextstore.New(log, logger),
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig(), log, logger),
		Router:    recovery.NewRouter(recovery.DefaultConfig(), log, logger),
		Issuer:    capability.NewIssuer(capability.DefaultPolicy(), capability.DefaultTTLs(), log, logger),
		Approvals: queue,
		Audit:     log,
	})
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(httpserver.Deps{
		Runs:      engine,
		Approvals: queue,
		Audit:     log,
	}, logger, &httpserver.Config{Host: "localhost", Port: 9192})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	_ = engine.Shutdown(ctx)

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}

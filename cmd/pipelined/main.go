// Pipelined is the pipeline orchestration daemon.
//
// It runs submitted requests through the stage graph, persists run state
// and serves the HTTP API used by pipectl.
//
// Configuration is loaded from ~/.config/pipelined/config.yaml and
// PIPELINED_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	pipelined
//
//	# Persist runs in NATS JetStream
//	PIPELINED_NATS_URL=nats://localhost:4222 PIPELINED_STORE_PROVIDER=nats pipelined
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	httpserver "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
	"github.com/fyrsmithlabs/pipelined/internal/runstore"
	"github.com/fyrsmithlabs/pipelined/internal/secrets"
	"github.com/fyrsmithlabs/pipelined/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  pipelined           Start the pipelined daemon\n")
			fmt.Fprintf(os.Stderr, "  pipelined version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("pipelined by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Connects to NATS when configured
//  4. Builds the audit log, context store, breakers, router, issuer and
//     approval queue
//  5. Recovers persisted runs
//  6. Serves the HTTP API until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromServiceConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logCfg, err := logging.FromServiceConfig(cfg.Observability)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithGlobalProvider(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	z := logger.Underlying()

	logger.Info(ctx, "starting pipelined",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Orchestrator.Workers),
		zap.String("store", cfg.Store.Provider))

	deps, err := initDependencies(cfg, z)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svc, err := initServices(ctx, cfg, deps, logger, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	n, err := svc.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	logger.Info(ctx, "services initialized", zap.Int("recovered_runs", n))

	srv, err := httpserver.NewServer(httpserver.Deps{
		Runs:      svc.engine,
		Approvals: svc.approvals,
		Audit:     svc.audit,
		Checks:    deps.healthChecks(tel),
		Metrics:   httpserver.NewHTTPMetrics(z),
	}, z.Named("http"), &httpserver.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			svc.shutdown(context.Background(), logger)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	svc.shutdown(shutdownCtx, logger)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadWithFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// dependencies holds infrastructure connections.
type dependencies struct {
	natsConn *nats.Conn
	runs     runstore.Store
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

func (d *dependencies) healthChecks(tel *telemetry.Telemetry) map[string]httpserver.HealthCheck {
	checks := map[string]httpserver.HealthCheck{
		"telemetry": func(context.Context) error {
			if h := tel.Health(); h.Degraded {
				return errors.New(h.LastError)
			}
			return nil
		},
	}
	if d.natsConn != nil {
		nc := d.natsConn
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
	}
	return checks
}

// initDependencies connects to NATS when a URL is configured and selects
// the run store.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{runs: runstore.NewMemory()}
	if cfg.NATS.URL == "" {
		return deps, nil
	}

	opts := []nats.Option{
		nats.Name("pipelined"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}
	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	deps.natsConn = nc
	logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))

	if cfg.Store.Provider == "nats" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		kv, err := runstore.NewKV(js, cfg.NATS.Bucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		deps.runs = kv
		logger.Info("run store ready", zap.String("bucket", cfg.NATS.Bucket))
	}
	return deps, nil
}

// services holds the orchestration components.
type services struct {
	audit     *audit.Log
	issuer    *capability.Issuer
	watcher   *capability.PolicyWatcher
	approvals *approval.Queue
	engine    *orchestrator.Engine
	stopSweep context.CancelFunc
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger, tel *telemetry.Telemetry) (*services, error) {
	z := logger.Underlying()

	var auditOpts []audit.Option
	if deps.natsConn != nil {
		auditOpts = append(auditOpts, audit.WithSink(audit.NewNATSSink(deps.natsConn, cfg.NATS.AuditSubject)))
	}
	auditLog := audit.New(z.Named("audit"), auditOpts...)

	store := contextstore.New(auditLog, z.Named("contextstore"))

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MaxResetTimeout:  cfg.Breaker.MaxResetTimeout,
		BackoffFactor:    cfg.Breaker.BackoffFactor,
		TrialTimeout:     cfg.Orchestrator.StageTimeout,
	}, auditLog, z.Named("breaker"))

	rcfg := recovery.DefaultConfig()
	rcfg.MaxAutoRetries = cfg.Recovery.MaxAutoRetries
	rcfg.StageRetries = cfg.Recovery.StageRetries
	rcfg.MaxAttempts = cfg.Orchestrator.MaxRecoveryAttempts
	rcfg.InitialInterval = cfg.Recovery.RetryInitialInterval
	rcfg.MaxInterval = cfg.Recovery.RetryMaxInterval
	router := recovery.NewRouter(rcfg, auditLog, z.Named("recovery"))

	policy := capability.DefaultPolicy()
	if cfg.Tokens.PolicyPath != "" {
		p, err := capability.LoadPolicy(cfg.Tokens.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	issuer := capability.NewIssuer(policy, capability.TTLs{
		Default:  cfg.Tokens.DefaultTTL,
		Extended: cfg.Tokens.ExtendedTTL,
		Critical: cfg.Tokens.CriticalTTL,
	}, auditLog, z.Named("capability"))

	svc := &services{audit: auditLog, issuer: issuer}

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	svc.stopSweep = stopSweep
	go issuer.RunSweeper(sweepCtx, cfg.Tokens.SweepInterval)

	if cfg.Tokens.PolicyPath != "" {
		w, err := capability.NewPolicyWatcher(cfg.Tokens.PolicyPath, issuer, z.Named("policy"))
		if err != nil {
			stopSweep()
			return nil, err
		}
		if err := w.Start(sweepCtx); err != nil {
			stopSweep()
			return nil, err
		}
		svc.watcher = w
	}

	decision, err := approval.ParseDecision(cfg.Approval.DefaultDecision)
	if err != nil {
		stopSweep()
		return nil, err
	}
	svc.approvals = approval.NewQueue(cfg.Approval.Timeout, decision, auditLog, z.Named("approval"))

	var scrubber *secrets.Scrubber
	if !cfg.Stages.DisableRedaction {
		if scrubber, err = secrets.New(secrets.DefaultConfig()); err != nil {
			stopSweep()
			return nil, err
		}
	}

	graph := orchestrator.DefaultGraph()
	engine, err := orchestrator.New(orchestrator.Config{
		Workers:        cfg.Orchestrator.Workers,
		StageTimeout:   cfg.Orchestrator.StageTimeout,
		MaxTransitions: cfg.Orchestrator.MaxTransitions,
		MinConfidence:  cfg.Orchestrator.MinConfidence,
	}, graph, orchestrator.Deps{
		Store:     store,
		Breakers:  breakers,
		Router:    router,
		Issuer:    issuer,
		Approvals: svc.approvals,
		Runs:      deps.runs,
		Audit:     auditLog,
		Logger:    logger.Named("orchestrator"),
		Tracer:    tel.Tracer("github.com/fyrsmithlabs/pipelined/internal/orchestrator"),
		Scrubber:  scrubber,
	})
	if err != nil {
		stopSweep()
		return nil, err
	}
	if err := registerRunners(engine, cfg.Stages, logger); err != nil {
		stopSweep()
		return nil, err
	}
	svc.engine = engine
	return svc, nil
}

// shutdown stops the engine first so in-flight runs are persisted, then
// the background workers.
func (s *services) shutdown(ctx context.Context, logger *logging.Logger) {
	if err := s.engine.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "orchestrator shutdown incomplete", zap.Error(err))
	}
	s.approvals.Close()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.stopSweep()
}

// Package config provides configuration loading for pipelined.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables prefixed with PIPELINED_.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Worker limits for concurrent pipeline runs.
const (
	DefaultWorkers = 3
	MaxWorkers     = 8
)

// Config holds the complete pipelined configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Breaker       BreakerConfig       `koanf:"breaker"`
	Recovery      RecoveryConfig      `koanf:"recovery"`
	Tokens        TokensConfig        `koanf:"tokens"`
	Approval      ApprovalConfig      `koanf:"approval"`
	NATS          NATSConfig          `koanf:"nats"`
	Store         StoreConfig         `koanf:"store"`
	Stages        StagesConfig        `koanf:"stages"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// SubmitRate is the sustained number of run submissions accepted per second.
	SubmitRate  float64 `koanf:"submit_rate"`
	SubmitBurst int     `koanf:"submit_burst"`
}

// ObservabilityConfig holds OpenTelemetry and logging settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// OrchestratorConfig controls run scheduling.
type OrchestratorConfig struct {
	Workers      int           `koanf:"workers"`
	StageTimeout time.Duration `koanf:"stage_timeout"`
	// MaxTransitions bounds conditional routing loops within one run.
	MaxTransitions int `koanf:"max_transitions"`
	// MaxRecoveryAttempts bounds recovery actions within one run before escalation.
	MaxRecoveryAttempts int `koanf:"max_recovery_attempts"`
	// MinConfidence is the stage confidence below which a warning is logged.
	MinConfidence float64 `koanf:"min_confidence"`
}

// BreakerConfig holds circuit breaker defaults applied to every stage.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
	MaxResetTimeout  time.Duration `koanf:"max_reset_timeout"`
	BackoffFactor    float64       `koanf:"backoff_factor"`
}

// RecoveryConfig holds retry budget settings.
type RecoveryConfig struct {
	MaxAutoRetries       int            `koanf:"max_auto_retries"`
	StageRetries         map[string]int `koanf:"stage_retries"`
	RetryInitialInterval time.Duration  `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration  `koanf:"retry_max_interval"`
}

// TokensConfig holds capability token settings.
type TokensConfig struct {
	DefaultTTL    time.Duration `koanf:"default_ttl"`
	ExtendedTTL   time.Duration `koanf:"extended_ttl"`
	CriticalTTL   time.Duration `koanf:"critical_ttl"`
	PolicyPath    string        `koanf:"policy_path"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// ApprovalConfig holds human-approval escalation settings.
type ApprovalConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	DefaultDecision string        `koanf:"default_decision"`
}

// NATSConfig holds NATS connection settings. An empty URL disables NATS.
type NATSConfig struct {
	URL          string `koanf:"url"`
	Token        Secret `koanf:"token"`
	AuditSubject string `koanf:"audit_subject"`
	Bucket       string `koanf:"bucket"`
}

// StoreConfig selects the run checkpoint store.
type StoreConfig struct {
	Provider string `koanf:"provider"`
}

// StagesConfig maps stage roles to remote runner endpoints. Roles without
// an endpoint run their built-in template.
type StagesConfig struct {
	Endpoints        map[string]string `koanf:"endpoints"`
	Token            Secret            `koanf:"token"`
	DisableFallbacks bool              `koanf:"disable_fallbacks"`
	// DisableRedaction stops credential scrubbing of stage outputs.
	DisableRedaction bool `koanf:"disable_redaction"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.SubmitRate == 0 {
		cfg.Server.SubmitRate = 5
	}
	if cfg.Server.SubmitBurst == 0 {
		cfg.Server.SubmitBurst = 10
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "pipelined"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = DefaultWorkers
	}
	if cfg.Orchestrator.StageTimeout == 0 {
		cfg.Orchestrator.StageTimeout = 5 * time.Minute
	}
	if cfg.Orchestrator.MaxTransitions == 0 {
		cfg.Orchestrator.MaxTransitions = 32
	}
	if cfg.Orchestrator.MaxRecoveryAttempts == 0 {
		cfg.Orchestrator.MaxRecoveryAttempts = 10
	}
	if cfg.Orchestrator.MinConfidence == 0 {
		cfg.Orchestrator.MinConfidence = 0.3
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 300 * time.Second
	}
	if cfg.Breaker.MaxResetTimeout == 0 {
		cfg.Breaker.MaxResetTimeout = time.Hour
	}
	if cfg.Breaker.BackoffFactor == 0 {
		cfg.Breaker.BackoffFactor = 2.0
	}

	if cfg.Recovery.MaxAutoRetries == 0 {
		cfg.Recovery.MaxAutoRetries = 3
	}
	if cfg.Recovery.StageRetries == nil {
		cfg.Recovery.StageRetries = map[string]int{
			"clarifier":       2,
			"product_manager": 3,
			"architect":       2,
			"tech_lead":       2,
			"scaffolder":      3,
			"developer":       2,
			"code_reviewer":   1,
			"finalizer":       2,
		}
	}
	if cfg.Recovery.RetryInitialInterval == 0 {
		cfg.Recovery.RetryInitialInterval = time.Second
	}
	if cfg.Recovery.RetryMaxInterval == 0 {
		cfg.Recovery.RetryMaxInterval = 30 * time.Second
	}

	if cfg.Tokens.DefaultTTL == 0 {
		cfg.Tokens.DefaultTTL = 300 * time.Second
	}
	if cfg.Tokens.ExtendedTTL == 0 {
		cfg.Tokens.ExtendedTTL = 600 * time.Second
	}
	if cfg.Tokens.CriticalTTL == 0 {
		cfg.Tokens.CriticalTTL = 900 * time.Second
	}
	if cfg.Tokens.SweepInterval == 0 {
		cfg.Tokens.SweepInterval = time.Minute
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = 24 * time.Hour
	}
	if cfg.Approval.DefaultDecision == "" {
		cfg.Approval.DefaultDecision = "deny"
	}

	if cfg.NATS.AuditSubject == "" {
		cfg.NATS.AuditSubject = "pipelined.audit"
	}
	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = "pipelined_runs"
	}

	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "memory"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.SubmitRate < 0 || c.Server.SubmitBurst < 0 {
		errs = append(errs, errors.New("server submit rate and burst must be >= 0"))
	}

	switch c.Observability.OTLPProtocol {
	case "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("observability.otlp_protocol must be grpc or http/protobuf, got %q", c.Observability.OTLPProtocol))
	}

	if c.Orchestrator.Workers < 1 || c.Orchestrator.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("orchestrator.workers must be between 1 and %d, got %d", MaxWorkers, c.Orchestrator.Workers))
	}
	if c.Orchestrator.StageTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.stage_timeout must be > 0"))
	}
	if c.Orchestrator.MinConfidence < 0 || c.Orchestrator.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.min_confidence must be within [0,1], got %v", c.Orchestrator.MinConfidence))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("breaker.backoff_factor must be >= 1, got %v", c.Breaker.BackoffFactor))
	}
	if c.Breaker.MaxResetTimeout < c.Breaker.ResetTimeout {
		errs = append(errs, errors.New("breaker.max_reset_timeout must be >= breaker.reset_timeout"))
	}

	if c.Recovery.MaxAutoRetries < 1 {
		errs = append(errs, fmt.Errorf("recovery.max_auto_retries must be >= 1, got %d", c.Recovery.MaxAutoRetries))
	}
	for stage, n := range c.Recovery.StageRetries {
		if n < 1 {
			errs = append(errs, fmt.Errorf("recovery.stage_retries[%s] must be >= 1, got %d", stage, n))
		}
	}

	if c.Tokens.DefaultTTL <= 0 || c.Tokens.ExtendedTTL < c.Tokens.DefaultTTL || c.Tokens.CriticalTTL < c.Tokens.ExtendedTTL {
		errs = append(errs, errors.New("token ttls must satisfy 0 < default_ttl <= extended_ttl <= critical_ttl"))
	}

	if c.Approval.DefaultDecision != "approve" && c.Approval.DefaultDecision != "deny" {
		errs = append(errs, fmt.Errorf("approval.default_decision must be approve or deny, got %q", c.Approval.DefaultDecision))
	}

	switch c.Store.Provider {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("store.provider nats requires nats.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.provider must be memory or nats, got %q", c.Store.Provider))
	}

	return errors.Join(errs...)
}

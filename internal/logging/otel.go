package logging

import (
	"go.opentelemetry.io/otel/log/global"
)

// NewWithGlobalProvider builds a logger that bridges to the process-wide
// OTEL log provider when cfg.Output.OTEL is set.
func NewWithGlobalProvider(cfg *Config) (*Logger, error) {
	if !cfg.Output.OTEL {
		return NewLogger(cfg, nil)
	}
	return NewLogger(cfg, global.GetLoggerProvider())
}

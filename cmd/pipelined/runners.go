package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// registerRunners binds every stage of the engine's graph. A role with an
// endpoint calls its remote agent and falls back to the role template;
// a role without one runs the template directly.
func registerRunners(e *orchestrator.Engine, cfg config.StagesConfig, logger *logging.Logger) error {
	templates := stages.NewTemplateRunner()
	var opts []stages.RemoteOption
	if cfg.Token.IsSet() {
		opts = append(opts, stages.WithBearerToken(cfg.Token.Value()))
	}

	for _, def := range e.Graph().Stages() {
		endpoint := cfg.Endpoints[string(def.Role)]
		if endpoint == "" {
			if !stages.HasTemplate(def.Role) {
				return fmt.Errorf("stage %s has no endpoint and no template", def.Name)
			}
			if err := e.Register(def.Name, templates, nil); err != nil {
				return err
			}
			logger.Underlying().Debug("stage runs its template only", zap.String("stage.id", def.Name))
			continue
		}

		var fallback stages.StageRunner
		if !cfg.DisableFallbacks && stages.HasTemplate(def.Role) {
			fallback = templates
		}
		if err := e.Register(def.Name, stages.NewRemoteRunner(endpoint, opts...), fallback); err != nil {
			return err
		}
	}
	return nil
}

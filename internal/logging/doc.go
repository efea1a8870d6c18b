// Package logging provides structured logging for pipelined.
//
// Logger wraps zap with context-aware methods. Every call prepends the
// correlation fields carried by the context: trace and span IDs, the
// pipeline run ID, the stage ID and the API request ID.
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	ctx = logging.WithStageID(ctx, "architect")
//	logger.Warn(ctx, "stage attempt failed", zap.Error(err))
//
// Capability token IDs are bearer credentials. Log them with TokenRef,
// which keeps a short prefix for correlation and masks the rest.
package logging

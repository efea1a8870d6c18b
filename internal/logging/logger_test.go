package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/fyrsmithlabs/pipelined/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_PrependsContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithStageID(WithRunID(context.Background(), "run-1"), "architect")

	tl.Warn(ctx, "stage attempt failed", zap.Int("attempt", 2))

	tl.AssertLogged(t, zapcore.WarnLevel, "stage attempt failed")
	tl.AssertField(t, "stage attempt failed", "run.id", "run-1")
	tl.AssertField(t, "stage attempt failed", "stage.id", "architect")
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "context read")
	tl.AssertLogged(t, TraceLevel, "context read")
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	assert.False(t, l.Enabled(zapcore.ErrorLevel))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, l)

	l, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromServiceConfig(t *testing.T) {
	cfg, err := FromServiceConfig(config.ObservabilityConfig{
		ServiceName: "pipelined-test", LogLevel: "debug", LogFormat: "console",
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "pipelined-test", cfg.Fields["service"])
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("issued",
		zap.String("token", "tok-abcdef"),
		zap.String("header", "Bearer abc.def"),
		zap.String("scope", "commit"),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["token"])
	assert.Equal(t, "[REDACTED:pattern]", entry["header"])
	assert.Equal(t, "commit", entry["scope"])
}

func TestTokenRef(t *testing.T) {
	f := TokenRef("0f8fad5b-d9cb-469f-a165-70867728950e")
	assert.Equal(t, "token.id", f.Key)
	assert.Equal(t, "0f8fad5b…", f.String)

	assert.Equal(t, "[REDACTED]", TokenRef("short").String)
	assert.Equal(t, zapcore.SkipType, TokenRef("").Type)
}

func TestSecretField(t *testing.T) {
	f := Secret("nats_token", config.Secret("abcd"))
	assert.Equal(t, "[REDACTED:4]", f.String)
}

package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

func TestLogger(t *testing.T) {
	t.Run("JSONFormatWithTags", func(t *testing.T) {
		var buf bytes.Buffer
		lg := logger.NewLogger(logger.WithWriter(&buf), logger.WithFormat("json"), logger.WithQuiet())

		lg.Info("node stored", tag.Node("ab12cd34ef56ab12"), tag.Version(2))

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "node stored", record["msg"])
		assert.Equal(t, "ab12cd34ef56ab12", record["node"])
		assert.Equal(t, float64(2), record["version"])
	})

	t.Run("LevelFiltersDebug", func(t *testing.T) {
		var buf bytes.Buffer
		lg := logger.NewLogger(logger.WithWriter(&buf), logger.WithFormat("json"), logger.WithQuiet())

		lg.Debug("should be dropped")
		assert.Zero(t, buf.Len())
	})

	t.Run("WithLevel", func(t *testing.T) {
		var buf bytes.Buffer
		lg := logger.NewLogger(
			logger.WithWriter(&buf),
			logger.WithFormat("json"),
			logger.WithQuiet(),
			logger.WithLevel("warn"),
		)

		lg.Info("dropped")
		assert.Zero(t, buf.Len())

		lg.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("ContextRoundTrip", func(t *testing.T) {
		var buf bytes.Buffer
		lg := logger.NewLogger(logger.WithWriter(&buf), logger.WithFormat("json"), logger.WithQuiet())

		ctx := logger.WithLogger(context.Background(), lg)
		logger.Info(ctx, "from context", tag.File("/tmp/session.jsonl"))

		assert.Contains(t, buf.String(), "from context")
		assert.Contains(t, buf.String(), "/tmp/session.jsonl")
	})

	t.Run("FromContextFallsBackToDefault", func(t *testing.T) {
		lg := logger.FromContext(context.Background())
		assert.NotNil(t, lg)
	})

	t.Run("WithAddsAttrs", func(t *testing.T) {
		var buf bytes.Buffer
		lg := logger.NewLogger(logger.WithWriter(&buf), logger.WithFormat("json"), logger.WithQuiet())

		child := lg.With(tag.WorkerID("worker-1"))
		child.Info("claimed")

		assert.Contains(t, buf.String(), "worker-1")
	})
}

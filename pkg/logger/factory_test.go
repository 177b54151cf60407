package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults to JSON", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf))
		log.Info("hello")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "hello", entry["msg"])
	})

	t.Run("text formatter", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithTextFormatter())
		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("static attributes", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithAttr(slog.String("svc", "billing")))
		log.Info("msg")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "billing", entry["svc"])
	})

	t.Run("context extractor", func(t *testing.T) {
		t.Parallel()
		type key struct{}
		buf := &bytes.Buffer{}
		log := logger.New(
			logger.WithOutput(buf),
			logger.WithContextExtractors(nil, func(ctx context.Context) (slog.Attr, bool) {
				if v, ok := ctx.Value(key{}).(string); ok {
					return logger.RequestID(v), true
				}
				return slog.Attr{}, false
			}),
		)
		log.InfoContext(context.WithValue(context.Background(), key{}, "req-1"), "msg")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "req-1", entry["request_id"])
	})

	t.Run("level name", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithLevelName("warn"))
		log.Info("skipped")
		assert.Empty(t, buf.String())
		log.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})
}

func TestWithEnvironment(t *testing.T) {
	t.Parallel()

	t.Run("development is text at debug", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithEnvironment("development", "billingsync"), logger.WithOutput(buf))
		log.Debug("msg")
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "service=billingsync")
	})

	t.Run("production is JSON at info", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithEnvironment("prod", "billingsync"), logger.WithOutput(buf))
		log.Debug("hidden")
		assert.Empty(t, buf.String())
		log.Info("msg")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "billingsync", entry["service"])
		assert.Equal(t, "prod", entry["env"])
	})
}

func TestWithFormatPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		logger.New(logger.WithFormat(logger.Format("xml")))
	})
}

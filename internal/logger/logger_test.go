package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Config{Format: "json", Level: zapcore.InfoLevel})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("Write accepted", zap.Duration("took", 1500*time.Millisecond))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Write accepted", line["msg"])
	assert.Equal(t, "1.5s", line["took"])
	ts, err := time.Parse(time.RFC3339, line["ts"].(string))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, NewConfig())
	require.NoError(t, err)

	log.Info("Follower serving")
	assert.Contains(t, buf.String(), "Follower serving")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Config{Format: "xml"})
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	l := zap.NewExample()
	assert.Same(t, l, FromContext(NewContextWithLogger(context.Background(), l), fallback))
}

package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multiplayer-relay/pkg/logger"
)

// TestParseLevel 測試日誌級別解析
func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

// TestNew_ContextAttributes 測試上下文欄位被附加到 JSON 輸出
func TestNew_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("info", "json", &buf).With("component", "relay")

	ctx := logger.WithSession(logger.WithConnID(context.Background(), 7), "abc-123")
	log.InfoContext(ctx, "connection opened")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection opened", entry["msg"])
	assert.Equal(t, "relay", entry["component"])
	assert.EqualValues(t, 7, entry["conn_id"])
	assert.Equal(t, "abc-123", entry["session_id"])
}

// TestNew_LevelFiltering 測試級別過濾
func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("warn", "text", &buf)

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

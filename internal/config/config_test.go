package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/config"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// clearEnv 清除會覆蓋配置的環境變數
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "DATABASE_URL", "NATS_URL", "LOG_LEVEL", "LOG_FORMAT"} {
		key := key
		if v, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { _ = os.Setenv(key, v) })
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestDefault 測試預設值
func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 200, cfg.Relay.ChatMaxLength)
	assert.Equal(t, "Anonymous", cfg.Relay.AnonymousName)
	assert.Equal(t, 54*time.Second, cfg.WebSocket.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 256, cfg.WebSocket.SendBuffer)
	assert.Empty(t, cfg.Persistence.URL)
	assert.Empty(t, cfg.NATS.URL)
	assert.NoError(t, cfg.Validate())
}

// TestLoad_MissingFile 檔案不存在時使用預設值
func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

// TestLoad_File 檔案覆蓋預設值，未出現的欄位保留
func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, `
server:
  port: 9000
relay:
  chat_max_length: 120
  persistence_timeout: 2s
persistence:
  url: memory://
  migrate: false
nats:
  url: nats://localhost:4222
log:
  level: debug
  format: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, 120, cfg.Relay.ChatMaxLength)
	assert.Equal(t, 2*time.Second, cfg.Relay.PersistenceTimeout)
	assert.Equal(t, "Anonymous", cfg.Relay.AnonymousName)
	assert.Equal(t, "memory://", cfg.Persistence.URL)
	assert.False(t, cfg.Persistence.Migrate)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "relay.events", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "json", cfg.Log.Format)

	opts := cfg.RelayOptions()
	assert.Equal(t, 120, opts.ChatMaxLength)
	assert.Equal(t, 2*time.Second, opts.PersistenceTimeout)

	assert.False(t, cfg.StorageOptions().Migrate)
	assert.Equal(t, int64(64*1024), cfg.WebSocketConfig().ReadLimit)
}

// TestLoad_Env 環境變數覆蓋檔案
func TestLoad_Env(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "server:\n  port: 9000\npersistence:\n  url: memory://\n")

	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://relay@localhost/relay")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres://relay@localhost/relay", cfg.Persistence.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "bad yaml", content: "server: [\n"},
		{name: "port out of range", content: "server:\n  port: 70000\n"},
		{name: "ping not shorter than pong", content: "websocket:\n  ping_period: 60s\n  pong_wait: 60s\n"},
		{name: "zero chat length", content: "relay:\n  chat_max_length: 0\n"},
		{name: "unknown log format", content: "log:\n  format: xml\n"},
		{name: "min conns above max", content: "persistence:\n  max_conns: 1\n  min_conns: 5\n"},
		{name: "non-numeric PORT", env: map[string]string{"PORT": "http"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := config.Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

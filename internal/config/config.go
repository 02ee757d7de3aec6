// Package config 載入中繼配置：預設值 → YAML 檔案 → 環境變數
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/websocket"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// Config 應用配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebSocket struct {
		ReadLimit  int64         `yaml:"read_limit"`
		SendBuffer int           `yaml:"send_buffer"`
		PingPeriod time.Duration `yaml:"ping_period"`
		PongWait   time.Duration `yaml:"pong_wait"`
		WriteWait  time.Duration `yaml:"write_wait"`
	} `yaml:"websocket"`

	Relay struct {
		ChatMaxLength      int           `yaml:"chat_max_length"`
		AnonymousName      string        `yaml:"anonymous_name"`
		PersistenceTimeout time.Duration `yaml:"persistence_timeout"`
	} `yaml:"relay"`

	Persistence struct {
		URL         string        `yaml:"url"` // 空字串停用持久化
		MaxConns    int32         `yaml:"max_conns"`
		MinConns    int32         `yaml:"min_conns"`
		Migrate     bool          `yaml:"migrate"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
	} `yaml:"persistence"`

	NATS struct {
		URL           string `yaml:"url"` // 空字串不發布事件
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 完整的預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.IdleTimeout = 120 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	ws := websocket.DefaultConfig()
	cfg.WebSocket.ReadLimit = ws.ReadLimit
	cfg.WebSocket.SendBuffer = ws.SendBuffer
	cfg.WebSocket.PingPeriod = ws.PingPeriod
	cfg.WebSocket.PongWait = ws.PongWait
	cfg.WebSocket.WriteWait = ws.WriteWait

	r := relay.DefaultOptions()
	cfg.Relay.ChatMaxLength = r.ChatMaxLength
	cfg.Relay.AnonymousName = r.AnonymousName
	cfg.Relay.PersistenceTimeout = r.PersistenceTimeout

	cfg.Persistence.MaxConns = 10
	cfg.Persistence.MinConns = 2
	cfg.Persistence.Migrate = true
	cfg.Persistence.DialTimeout = 10 * time.Second

	cfg.NATS.SubjectPrefix = "relay.events"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 載入配置
//
// 檔案不存在不是錯誤（使用預設值）。環境變數覆蓋檔案：
// PORT、DATABASE_URL、NATS_URL、LOG_LEVEL、LOG_FORMAT。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非請求輸入
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "parse config")
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("PORT=%q", v))
		}
		c.Server.Port = port
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		c.Persistence.URL = v
	}
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	case c.WebSocket.ReadLimit <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("websocket.read_limit must be positive")
	case c.WebSocket.SendBuffer <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("websocket.send_buffer must be positive")
	case c.WebSocket.PongWait <= 0 || c.WebSocket.WriteWait <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("websocket timeouts must be positive")
	case c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait:
		return apperrors.ErrInvalidConfig.WithDetails("websocket.ping_period must be shorter than pong_wait")
	case c.Relay.ChatMaxLength <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("relay.chat_max_length must be positive")
	case c.Relay.PersistenceTimeout <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("relay.persistence_timeout must be positive")
	case c.Persistence.MinConns > c.Persistence.MaxConns:
		return apperrors.ErrInvalidConfig.WithDetails("persistence.min_conns exceeds max_conns")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("log.format %q", c.Log.Format))
	}
	return nil
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// RelayOptions 轉換為中繼參數
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		ChatMaxLength:      c.Relay.ChatMaxLength,
		AnonymousName:      c.Relay.AnonymousName,
		PersistenceTimeout: c.Relay.PersistenceTimeout,
	}
}

// WebSocketConfig 轉換為連接參數
func (c *Config) WebSocketConfig() websocket.Config {
	return websocket.Config{
		ReadLimit:  c.WebSocket.ReadLimit,
		SendBuffer: c.WebSocket.SendBuffer,
		PingPeriod: c.WebSocket.PingPeriod,
		PongWait:   c.WebSocket.PongWait,
		WriteWait:  c.WebSocket.WriteWait,
	}
}

// StorageOptions 轉換為持久化參數
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Migrate:     c.Persistence.Migrate,
		MaxConns:    c.Persistence.MaxConns,
		MinConns:    c.Persistence.MinConns,
		DialTimeout: c.Persistence.DialTimeout,
	}
}

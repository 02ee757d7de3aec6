package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// redisKeyPrefix 角色文件的鍵前綴
const redisKeyPrefix = "character:"

// Redis 每個角色存成一個 JSON 字串，不設 TTL
type Redis struct {
	client *redis.Client
	owned  bool
	logger *slog.Logger
}

// NewRedis 以既有客戶端建立儲存；Close 不會關閉外部傳入的客戶端
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

// OpenRedis 解析 redis:// URL、建立客戶端並 ping
func OpenRedis(ctx context.Context, redisURL string, logger *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "parse redis url")
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "ping redis")
	}

	logger.Info("Redis 連接成功", "addr", opt.Addr, "db", opt.DB)
	return &Redis{client: client, owned: true, logger: logger}, nil
}

// LoadByName 找不到時回傳 (nil, nil)
func (s *Redis) LoadByName(ctx context.Context, name string) (*relay.Player, error) {
	data, err := s.client.Get(ctx, redisKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "load character")
	}

	p, err := relay.DecodePlayer(data)
	if err != nil {
		return nil, fmt.Errorf("decode character %q: %w", Key(name), err)
	}
	return &p, nil
}

// UpsertByName 以名稱為鍵寫入或覆蓋
func (s *Redis) UpsertByName(ctx context.Context, name string, p relay.Player) error {
	key, stored := normalize(name, p)

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode character: %w", err)
	}

	if err := s.client.Set(ctx, redisPrefixed(key), data, 0).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "upsert character")
	}
	return nil
}

// Close 關閉自行建立的客戶端
func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func redisKey(name string) string {
	return redisPrefixed(Key(name))
}

func redisPrefixed(key string) string {
	return redisKeyPrefix + key
}

// Package storage 角色紀錄的持久化介面卡
//
// 對中繼而言這是不透明的鍵值儲存：以玩家名稱為鍵，存取整筆角色紀錄。
// 支援的後端依連接字串的 scheme 選擇：
//
//	""                         → 停用持久化（純記憶體中繼）
//	postgres:// postgresql://  → PostgreSQL（pgx，啟動時可執行遷移）
//	redis:// rediss://         → Redis（每個角色一個 JSON 文件）
//	memory://                  → 行程內 map（開發、測試）
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// KeyMaxLength 名稱作為鍵之前截斷到的長度（字元數）
const KeyMaxLength = 64

// Store 持久化後端
type Store interface {
	relay.CharacterStore
	Close() error
}

// Options 開啟後端的參數
type Options struct {
	Migrate     bool          // PostgreSQL：啟動時執行嵌入的遷移
	MaxConns    int32         // PostgreSQL 連接池上限
	MinConns    int32         // PostgreSQL 連接池下限
	DialTimeout time.Duration // 初次連線與 ping 的上限
}

// Key 將玩家名稱截斷為鍵
func Key(name string) string {
	if utf8.RuneCountInString(name) <= KeyMaxLength {
		return name
	}
	return string([]rune(name)[:KeyMaxLength])
}

// Open 依 URL scheme 開啟後端；rawURL 為空時回傳 (nil, nil)
func Open(ctx context.Context, rawURL string, opts Options, logger *slog.Logger) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "parse persistence url")
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	switch u.Scheme {
	case "postgres", "postgresql":
		pg, err := OpenPostgres(ctx, rawURL, opts, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "redis", "rediss":
		rs, err := OpenRedis(ctx, rawURL, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "memory":
		logger.Info("使用行程內角色儲存")
		return NewMemory(), nil
	default:
		return nil, apperrors.ErrUnsupportedStore.WithDetails(fmt.Sprintf("scheme %q", u.Scheme))
	}
}

// normalize 儲存前把名稱改為鍵，讓所有後端行為一致
func normalize(name string, p relay.Player) (string, relay.Player) {
	key := Key(name)
	stored := p.Clone()
	stored.Name = key
	return key, stored
}

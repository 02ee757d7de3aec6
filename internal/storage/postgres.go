package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage/migrations"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

const (
	selectCharacter = `
SELECT role, appearance, stats, position, rotation_y
FROM characters
WHERE name = $1`

	upsertCharacter = `
INSERT INTO characters (name, role, appearance, stats, position, rotation_y, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (name) DO UPDATE SET
    role       = EXCLUDED.role,
    appearance = EXCLUDED.appearance,
    stats      = EXCLUDED.stats,
    position   = EXCLUDED.position,
    rotation_y = EXCLUDED.rotation_y,
    updated_at = NOW()`
)

// pgQuerier pgxpool.Pool 中用到的部分
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres 以 characters 表保存角色
//
// 不透明欄位（appearance、stats、position）以 JSONB 原樣保存，
// 中繼不關心其結構。
type Postgres struct {
	db     pgQuerier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres 以既有的連接池建立儲存；Close 不會關閉外部傳入的池
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{db: pool, logger: logger}
}

// OpenPostgres 執行遷移（可選）、建立連接池並驗證連線
func OpenPostgres(ctx context.Context, databaseURL string, opts Options, logger *slog.Logger) (*Postgres, error) {
	if opts.Migrate {
		if err := migrations.Run(databaseURL, logger); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "run migrations")
		}
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "parse postgres url")
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "ping postgres")
	}

	logger.Info("PostgreSQL 連接成功",
		"max_conns", config.MaxConns,
		"migrate", opts.Migrate,
	)

	return &Postgres{db: pool, pool: pool, logger: logger}, nil
}

// LoadByName 找不到時回傳 (nil, nil)
func (s *Postgres) LoadByName(ctx context.Context, name string) (*relay.Player, error) {
	key := Key(name)

	var (
		role                        *string
		appearance, stats, position []byte
		rotationY                   float64
	)
	err := s.db.QueryRow(ctx, selectCharacter, key).Scan(&role, &appearance, &stats, &position, &rotationY)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "load character")
	}

	p := relay.Player{
		Name:       key,
		Role:       role,
		Appearance: json.RawMessage(appearance),
		Stats:      json.RawMessage(stats),
		RotationY:  rotationY,
	}
	if len(position) > 0 && string(position) != "null" {
		var v relay.Vec3
		if err := json.Unmarshal(position, &v); err != nil {
			return nil, fmt.Errorf("decode position of %q: %w", key, err)
		}
		p.Position = &v
	}
	return &p, nil
}

// UpsertByName 以名稱為鍵寫入或覆蓋
func (s *Postgres) UpsertByName(ctx context.Context, name string, p relay.Player) error {
	key, stored := normalize(name, p)

	var position []byte
	if stored.Position != nil {
		b, err := json.Marshal(stored.Position)
		if err != nil {
			return fmt.Errorf("encode position: %w", err)
		}
		position = b
	}

	_, err := s.db.Exec(ctx, upsertCharacter,
		key,
		stored.Role,
		jsonbParam(stored.Appearance),
		jsonbParam(stored.Stats),
		position,
		stored.RotationY,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreUnavailable, "upsert character")
	}
	return nil
}

// Close 關閉自行建立的連接池
func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// jsonbParam 缺少或 null 的欄位寫入 SQL NULL
func jsonbParam(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

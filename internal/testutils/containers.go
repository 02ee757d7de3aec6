// Package testutils 提供整合測試用的測試容器
//
// 每個容器都在測試結束時自動終止。容器需要 Docker；
// 以 -short 執行時呼叫端應先跳過。
package testutils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage/migrations"
)

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	URL       string
	Pool      *pgxpool.Pool
	Container tc.Container
}

// RedisEnv Redis 測試環境
type RedisEnv struct {
	URL       string
	Client    *redis.Client
	Container tc.Container
}

// Logger 測試時減少日誌噪音
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// SetupPostgres 啟動 PostgreSQL 容器
//
// 不執行遷移：遷移由被測的儲存在開啟時完成。
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env := &PostgresEnv{Container: container}
	t.Cleanup(func() {
		if env.Pool != nil {
			env.Pool.Close()
		}
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.URL = dsn

	env.Pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}

// Truncate 清空表（測試之間的清理）
func (env *PostgresEnv) Truncate(t testing.TB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s", table)
		if _, err := env.Pool.Exec(context.Background(), query); err != nil {
			t.Fatalf("failed to truncate table %s: %v", table, err)
		}
	}
}

// Store 在容器上執行遷移，並以測試環境的連接池建立儲存
//
// 儲存與 env 共用連接池，關閉儲存不影響 env.Pool。
func (env *PostgresEnv) Store(t testing.TB) *storage.Postgres {
	t.Helper()

	if err := migrations.Run(env.URL, Logger()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return storage.NewPostgres(env.Pool, Logger())
}

// SetupRedis 啟動 Redis 容器
func SetupRedis(t testing.TB) *RedisEnv {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env := &RedisEnv{Container: container}
	t.Cleanup(func() {
		if env.Client != nil {
			_ = env.Client.Close()
		}
		_ = container.Terminate(context.Background())
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	env.URL = uri

	opt, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}
	env.Client = redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.Client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return env
}

// Store 以測試環境的客戶端建立儲存，關閉儲存不影響 env.Client
func (env *RedisEnv) Store() *storage.Redis {
	return storage.NewRedis(env.Client, Logger())
}

// Flush 清空 Redis
func (env *RedisEnv) Flush(t testing.TB) {
	t.Helper()

	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

package storage_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
	"github.com/koopa0/system-design/14-multiplayer-relay/pkg/logger"
)

func strPtr(s string) *string { return &s }

// testStoreContract 所有後端共用的行為
func testStoreContract(t *testing.T, store storage.Store) {
	ctx := context.Background()

	t.Run("missing name", func(t *testing.T) {
		got, err := store.LoadByName(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("round trip", func(t *testing.T) {
		in := relay.Player{
			Name:       "Alice",
			Role:       strPtr("mage"),
			Appearance: json.RawMessage(`{"hair":"red"}`),
			Stats:      json.RawMessage(`{"hp":10}`),
			Position:   &relay.Vec3{X: 1, Y: 2, Z: 3},
			RotationY:  0.5,
		}
		require.NoError(t, store.UpsertByName(ctx, "Alice", in))

		got, err := store.LoadByName(ctx, "Alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Alice", got.Name)
		require.NotNil(t, got.Role)
		assert.Equal(t, "mage", *got.Role)
		assert.JSONEq(t, `{"hair":"red"}`, string(got.Appearance))
		assert.JSONEq(t, `{"hp":10}`, string(got.Stats))
		assert.Equal(t, &relay.Vec3{X: 1, Y: 2, Z: 3}, got.Position)
		assert.Equal(t, 0.5, got.RotationY)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, store.UpsertByName(ctx, "Bob", relay.Player{Name: "Bob", Role: strPtr("rogue")}))
		require.NoError(t, store.UpsertByName(ctx, "Bob", relay.Player{Name: "Bob", RotationY: 2}))

		got, err := store.LoadByName(ctx, "Bob")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.Role)
		assert.Nil(t, got.Position)
		assert.Equal(t, 2.0, got.RotationY)
	})

	t.Run("long names share a key", func(t *testing.T) {
		long := strings.Repeat("名", storage.KeyMaxLength+10)
		require.NoError(t, store.UpsertByName(ctx, long, relay.Player{Name: long, RotationY: 1}))

		got, err := store.LoadByName(ctx, storage.Key(long)+"extra")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, storage.Key(long), got.Name)
	})
}

func TestMemory(t *testing.T) {
	store := storage.NewMemory()
	testStoreContract(t, store)
	assert.Equal(t, 3, store.Len())
	assert.NoError(t, store.Close())
}

// TestMemory_Isolation 測試回傳值與內部紀錄互不影響
func TestMemory_Isolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	in := relay.Player{Name: "Alice", Position: &relay.Vec3{X: 1}}
	require.NoError(t, store.UpsertByName(ctx, "Alice", in))
	in.Position.X = 99

	got, err := store.LoadByName(ctx, "Alice")
	require.NoError(t, err)
	got.Position.X = 42

	again, err := store.LoadByName(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Position.X)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := storage.NewMemory()
	_, err := store.LoadByName(ctx, "Alice")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.UpsertByName(ctx, "Alice", relay.Player{Name: "Alice"}), context.Canceled)
}

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"short", "Alice", 5},
		{"exact", strings.Repeat("a", storage.KeyMaxLength), storage.KeyMaxLength},
		{"long ascii", strings.Repeat("a", 100), storage.KeyMaxLength},
		{"long multibyte", strings.Repeat("劍", 100), storage.KeyMaxLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, len([]rune(storage.Key(tt.in))))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	log := logger.Discard()

	t.Run("empty url disables persistence", func(t *testing.T) {
		store, err := storage.Open(ctx, "", storage.Options{}, log)
		require.NoError(t, err)
		assert.Nil(t, store)
	})

	t.Run("memory", func(t *testing.T) {
		store, err := storage.Open(ctx, "memory://", storage.Options{}, log)
		require.NoError(t, err)
		require.NotNil(t, store)
		assert.IsType(t, &storage.Memory{}, store)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		store, err := storage.Open(ctx, "mysql://localhost/relay", storage.Options{}, log)
		require.Error(t, err)
		assert.Nil(t, store)
		assert.ErrorIs(t, err, apperrors.ErrUnsupportedStore)
	})
}

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, env.URL, storage.Options{Migrate: true, MaxConns: 4}, testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	testStoreContract(t, store)

	t.Run("null fields stored as sql null", func(t *testing.T) {
		env.Truncate(t, "characters")
		require.NoError(t, store.UpsertByName(ctx, "Carol", relay.Player{Name: "Carol"}))

		var appearanceIsNull bool
		err := env.Pool.QueryRow(ctx, "SELECT appearance IS NULL FROM characters WHERE name = $1", "Carol").Scan(&appearanceIsNull)
		require.NoError(t, err)
		assert.True(t, appearanceIsNull)
	})

	t.Run("shared pool", func(t *testing.T) {
		env.Truncate(t, "characters")
		shared := env.Store(t)
		testStoreContract(t, shared)

		require.NoError(t, shared.Close())
		assert.NoError(t, env.Pool.Ping(ctx), "closing the store must not close a borrowed pool")
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		again, err := storage.OpenPostgres(ctx, env.URL, storage.Options{Migrate: true}, testutils.Logger())
		require.NoError(t, err)
		assert.NoError(t, again.Close())
	})
}

func TestRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	env := testutils.SetupRedis(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, env.URL, storage.Options{}, testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	testStoreContract(t, store)

	t.Run("document layout", func(t *testing.T) {
		env.Flush(t)
		require.NoError(t, store.UpsertByName(ctx, "Dave", relay.Player{Name: "Dave", RotationY: 1.5}))

		raw, err := env.Client.Get(ctx, "character:Dave").Result()
		require.NoError(t, err)
		assert.JSONEq(t,
			`{"name":"Dave","role":null,"appearance":null,"stats":null,"position":null,"rotationY":1.5}`,
			raw)
	})

	t.Run("shared client", func(t *testing.T) {
		env.Flush(t)
		shared := env.Store()
		testStoreContract(t, shared)

		require.NoError(t, shared.Close())
		assert.NoError(t, env.Client.Ping(ctx).Err(), "closing the store must not close a borrowed client")
	})
}

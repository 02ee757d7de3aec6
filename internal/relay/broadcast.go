package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// BroadcastResult 單次廣播結果
type BroadcastResult struct {
	Delivered int
	Failed    int
	Skipped   int // 連接尚未就緒或正在關閉
}

// BroadcastStats 累計廣播統計
type BroadcastStats struct {
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Skipped    uint64 `json:"skipped"`
}

// Broadcaster 廣播路由
//
// 訊息只序列化一次，然後寫給每個就緒的連接。單一連接寫入失敗只記錄並繼續，
// 不重試也不排隊：沒收到的連接等下一次廣播。
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
}

// NewBroadcaster 創建廣播路由
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
	}
}

// Broadcast 廣播給所有連接，exclude 為 NoExclude 時不排除任何人
func (b *Broadcaster) Broadcast(msg any, exclude ConnID) BroadcastResult {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("序列化廣播訊息失敗", "error", err)
		return BroadcastResult{}
	}

	var result BroadcastResult
	for _, t := range b.registry.targets(exclude) {
		if !t.conn.Ready() {
			result.Skipped++
			continue
		}
		if err := t.conn.Send(data); err != nil {
			result.Failed++
			level := slog.LevelError
			if apperrors.IsSendFailed(err) {
				// 緩衝區滿或正在關閉：預期內的慢連接
				level = slog.LevelWarn
			}
			b.logger.Log(context.Background(), level, "廣播寫入失敗", "conn_id", uint64(t.id), "error", err)
			continue
		}
		result.Delivered++
	}

	b.record(result)
	return result
}

// SendTo 單播給指定連接
func (b *Broadcaster) SendTo(id ConnID, msg any) error {
	entry, ok := b.registry.Get(id)
	if !ok || entry.Conn == nil {
		return fmt.Errorf("send to %d: connection not registered", id)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if !entry.Conn.Ready() {
		b.skipped.Add(1)
		return fmt.Errorf("send to %d: connection not ready", id)
	}
	if err := entry.Conn.Send(data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("send to %d: %w", id, err)
	}
	b.delivered.Add(1)
	return nil
}

// Stats 累計統計
func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Broadcasts: b.broadcasts.Load(),
		Delivered:  b.delivered.Load(),
		Failed:     b.failed.Load(),
		Skipped:    b.skipped.Load(),
	}
}

func (b *Broadcaster) record(r BroadcastResult) {
	b.broadcasts.Add(1)
	b.delivered.Add(uint64(r.Delivered))
	b.failed.Add(uint64(r.Failed))
	b.skipped.Add(uint64(r.Skipped))
}

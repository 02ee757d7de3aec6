// Package events 發布中繼事件到 NATS，供外部訂閱者（稽核、分析）使用
//
// 事件流是旁路：發布失敗只記錄日誌，不影響協議本身。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Kind 事件種類
type Kind string

const (
	KindPlayerJoined Kind = "player.joined"
	KindPlayerLeft   Kind = "player.left"
	KindChat         Kind = "chat"
)

// Event 中繼事件
type Event struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	ConnID uint64    `json:"conn_id"`
	Name   string    `json:"name,omitempty"`
	Text   string    `json:"text,omitempty"`
	At     time.Time `json:"at"`
}

// New 建立事件，ID 使用 UUID
func New(kind Kind, connID uint64) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		ConnID: connID,
		At:     time.Now().UTC(),
	}
}

// Publisher 事件發布者
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop 不發布任何事件
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// natsConn NATS 連線所需的最小介面（便於測試）
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher 以 core NATS 發布事件
//
// subject 格式：<prefix>.<kind>，例如 relay.events.player.joined
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *slog.Logger
}

// Connect 連接 NATS
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("multiplayer-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連接中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 重新連接", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("NATS 連接成功", "url", conn.ConnectedUrl(), "subject_prefix", prefix)
	return newNATSPublisher(conn, prefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "relay.events"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject 事件對應的 subject
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish 發布事件
//
// core NATS 的 Publish 只寫入客戶端緩衝，不等待伺服器確認，因此 ctx 只用於提前放棄。
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(e.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Close 排空後關閉連線
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

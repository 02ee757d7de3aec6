package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// Conn 一個 WebSocket 連接，實作 relay.Conn
//
// send 通道從不關閉：關閉以 done 通知 writePump，
// 避免廣播端在關閉瞬間寫入已關閉的通道。
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	cfg    Config
	logger *slog.Logger

	id relay.ConnID
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// Send 非阻塞寫入發送緩衝
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return apperrors.ErrConnectionClosed
	}

	select {
	case <-c.done:
		return apperrors.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return apperrors.ErrSendBufferFull
	}
}

// Ready 連接是否仍可寫入
func (c *Conn) Ready() bool {
	return !c.closed.Load()
}

// Close 請求關閉；writePump 送出關閉幀後關閉底層連接。可重複呼叫
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// ID 中繼分配的身份
func (c *Conn) ID() relay.ConnID {
	return c.id
}

// readPump 讀取客戶端訊息，依序交給中繼
//
// 心跳（讀取端）：
//
//	PongWait 內沒有收到任何幀（包括 Pong）就視為死連接。
//	writePump 每 PingPeriod 送一次 Ping，PingPeriod < PongWait 留出網路延遲的余量。
//
// 同一連接的訊息在這個 goroutine 中依序處理，所以 hello 的持久化查詢
// 會延後該連接的後續訊息，但不影響其他連接。
func (c *Conn) readPump(ctx context.Context, r *relay.Relay) {
	defer func() {
		_ = c.Close()
		r.Disconnect(c.id)
		c.logger.InfoContext(ctx, "WebSocket 連接關閉")
	}()

	c.ws.SetReadLimit(c.cfg.ReadLimit)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.closed.Load() {
				r.HandleError(c.id, err)
			}
			return
		}

		// 延長期限：任何入站幀都代表連接存活
		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
		}

		if messageType != websocket.TextMessage {
			c.logger.DebugContext(ctx, "忽略非文字幀", "type", messageType)
			continue
		}
		r.HandleMessage(ctx, c.id, message)
	}
}

// writePump 把發送緩衝寫到客戶端，並定期送出 Ping
//
// 每個連接只有這個 goroutine 寫入 ws（gorilla/websocket 不支援並發寫入）。
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.DebugContext(ctx, "寫入失敗", "error", err)
				_ = c.Close()
				return
			}

			// 批量送出已排隊的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(websocket.TextMessage, <-c.send); err != nil {
					c.logger.DebugContext(ctx, "寫入失敗", "error", err)
					_ = c.Close()
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.done:
			// 嘗試送出關閉幀，忽略錯誤（對端可能已經斷開）
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

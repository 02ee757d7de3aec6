// Package websocket 以 gorilla/websocket 承載中繼協議
//
// 系統設計問題：
//
//	如何管理大量長連接的生命週期，並把事件按順序交給中繼？
//
// 核心挑戰：
//  1. 心跳：客戶端異常斷線時伺服器無法察覺，死連接佔用資源
//  2. 並發寫入：gorilla/websocket 每個連接只允許一個寫入者
//  3. 慢客戶端：不能拖累廣播給其他人
//
// 設計方案：
//
//	✅ 每個連接一對 goroutine：readPump 依序處理入站訊息，writePump 獨佔寫入
//	✅ Ping/Pong 心跳（54s/60s）
//	✅ 有界發送緩衝：滿了就回報寫入失敗，由廣播端記錄後略過
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	"github.com/koopa0/system-design/14-multiplayer-relay/pkg/logger"
)

// Config 連接參數
type Config struct {
	ReadLimit  int64         // 單一入站幀上限（位元組）
	SendBuffer int           // 每個連接的發送緩衝（訊息數）
	PingPeriod time.Duration // Ping 間隔，必須小於 PongWait
	PongWait   time.Duration // 讀取期限
	WriteWait  time.Duration // 單次寫入期限
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		ReadLimit:  64 * 1024,
		SendBuffer: 256,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
	}
}

// Hub 連接生命週期管理
//
// Hub 本身不保存連接：登記表由中繼擁有，Hub 只負責升級、啟動讀寫迴圈與關機。
type Hub struct {
	relay    *relay.Relay
	logger   *slog.Logger
	upgrader websocket.Upgrader
	cfg      Config

	mu      sync.Mutex
	closing bool // Shutdown 開始後拒絕新連線
	wg      sync.WaitGroup
}

// NewHub 創建 Hub
func NewHub(r *relay.Relay, cfg Config, logger *slog.Logger) *Hub {
	defaults := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}

	return &Hub{
		relay:  r,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 瀏覽器客戶端可能來自任何來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg: cfg,
	}
}

// ServeWS 升級連線並啟動讀寫迴圈
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	// 計數與 closing 檢查在同一把鎖內：Shutdown 開始等待後不會再有 wg.Add
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(2)
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Add(-2)
		// Upgrade 已經回覆了 HTTP 錯誤
		h.logger.Warn("升級 WebSocket 失敗", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	session := uuid.NewString()
	conn := newConn(ws, h.cfg, h.logger)
	conn.id = h.relay.Connect(conn)

	ctx := logger.WithSession(logger.WithConnID(context.Background(), uint64(conn.id)), session)

	go func() {
		defer h.wg.Done()
		conn.writePump(ctx)
	}()
	go func() {
		defer h.wg.Done()
		conn.readPump(ctx, h.relay)
	}()

	h.logger.InfoContext(ctx, "WebSocket 連接建立", "remote_addr", r.RemoteAddr)
}

// Shutdown 關閉所有連接，等待讀寫迴圈與分離任務結束
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.relay.CloseAll()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := h.relay.Wait(ctx); err != nil {
		return err
	}

	h.logger.Info("WebSocket Hub 已停止")
	return nil
}

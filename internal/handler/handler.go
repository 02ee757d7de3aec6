// Package handler 中繼的 HTTP 端點：健康檢查與統計
//
// WebSocket 端點不經過這裡的中間件：responseWriter 包裝會擋住 Hijack。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
)

// StatsProvider 提供中繼統計
type StatsProvider interface {
	Stats() relay.Stats
}

// Handler HTTP 處理器
type Handler struct {
	stats  StatsProvider
	logger *slog.Logger
}

// New 創建 Handler
func New(stats StatsProvider, logger *slog.Logger) *Handler {
	return &Handler{
		stats:  stats,
		logger: logger,
	}
}

// Routes 設置路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.withMiddleware(h.health))
	mux.HandleFunc("GET /stats", h.withMiddleware(h.relayStats))

	return mux
}

// withMiddleware recovery 在最外層，捕獲所有 panic
func (h *Handler) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return h.recovery(h.logRequest(next))
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// relayStats 連接數與廣播統計
func (h *Handler) relayStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.stats.Stats(), http.StatusOK)
}

// writeJSON 寫入 JSON 響應
func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorJSON 統一的錯誤格式
func (h *Handler) errorJSON(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, map[string]string{"error": message}, status)
}

// logRequest 記錄請求方法、路徑、狀態碼與耗時
func (h *Handler) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(wrapped, r)

		h.logger.Debug("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"ip", r.RemoteAddr,
		)
	}
}

// recovery 防止單個請求的 panic 導致整個服務崩潰
func (h *Handler) recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("從 panic 恢復",
					"error", err,
					"path", r.URL.Path,
				)
				h.errorJSON(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 攔截狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

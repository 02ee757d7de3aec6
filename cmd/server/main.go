package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/config"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/events"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/handler"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/storage"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/websocket"
	"github.com/koopa0/system-design/14-multiplayer-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// .env 不存在時忽略
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器錯誤", "error", err)
		os.Exit(1)
	}
	log.Info("服務器已關閉")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 持久化是可選的：開啟失敗就以純記憶體模式運行
	var store relay.CharacterStore
	backend, err := storage.Open(ctx, cfg.Persistence.URL, cfg.StorageOptions(), log)
	switch {
	case err != nil:
		log.Error("持久化不可用，以純記憶體模式繼續", "error", err)
	case backend != nil:
		store = backend
		defer func() {
			if err := backend.Close(); err != nil {
				log.Warn("關閉持久化後端失敗", "error", err)
			}
		}()
	default:
		log.Info("未啟用持久化")
	}

	var publisher events.Publisher
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Error("事件發布不可用，繼續運行", "error", err)
		} else {
			publisher = pub
			defer func() {
				if err := pub.Close(); err != nil {
					log.Warn("關閉事件發布失敗", "error", err)
				}
			}()
		}
	}

	r := relay.New(store, publisher, log, cfg.RelayOptions())
	hub := websocket.NewHub(r, cfg.WebSocketConfig(), log)
	h := handler.New(r, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	mux.Handle("/", h.Routes())

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("中繼服務器啟動", "addr", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接受新連線，再關閉既有的 WebSocket 連接並等待持久化任務
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("強制關閉服務器失敗", "error", closeErr)
		}
	}
	if err := hub.Shutdown(ctx); err != nil {
		log.Warn("WebSocket 關閉未完成", "error", err)
	}
	return nil
}

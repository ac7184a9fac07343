package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/backend/internal/api/handler"
	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/localization"
	"roomchat/backend/internal/logger"
	"roomchat/backend/internal/retention"
	"roomchat/backend/internal/storage"
	"roomchat/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("roomchat stopped", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	zl.Info("starting roomchat backend", zap.String("addr", cfg.Addr))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Сховище повідомлень
	store, err := storage.Open(cfg.DatabaseDSN, cfg.PebblePath, zl)
	if err != nil {
		return err
	}
	defer store.Close()

	// 2. Метрики та Broker
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chathub.NewMetrics(reg)
	hub := chathub.NewBroker(store, cfg.BrokerOptions(), metrics, zl)
	defer hub.Close()

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		hub.SetRelay(chathub.NewRedisRelay(rdb, cfg.RoomQueueSize, zl))
		zl.Info("redis relay enabled", zap.String("redis", cfg.RedisAddr))
	}

	// 3. Фонові goroutines
	go func() {
		if err := hub.Run(ctx); err != nil {
			zl.Error("relay stopped", zap.Error(err))
		}
	}()

	if cfg.RetentionPeriod > 0 {
		rm, err := retention.New(store, cfg.RetentionPeriod, cfg.RetentionCron, zl)
		if err != nil {
			return err
		}
		go rm.Run(ctx)
	}

	if cfg.TelegramEnabled() {
		if err := startTelegram(ctx, cfg, hub, metrics, zl); err != nil {
			return err
		}
	}

	// 4. HTTP
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	tokens := handler.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	h := handler.NewHandler(hub, store, tokens, handler.Options{
		AllowAnonymous: cfg.AllowAnonymous,
		DevTokens:      cfg.DevTokens,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: config.DefaultHistoryTimeout,
		Conn:           cfg.ConnOptions(),
	}, metrics, zl)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.NewRouter(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func startTelegram(ctx context.Context, cfg config.Config, hub *chathub.Broker, metrics *chathub.Metrics, zl *zap.Logger) error {
	bot, err := telegram.NewBotAPI(cfg.TelegramToken, zl)
	if err != nil {
		return err
	}
	loc, err := localization.Default()
	if err != nil {
		return err
	}
	bridge := telegram.NewBridge(bot, hub, loc, telegram.Options{
		ChatID:     cfg.TelegramChatID,
		Room:       cfg.TelegramRoom,
		Lang:       cfg.TelegramLang,
		OutboxSize: cfg.OutboxSize * 4,
	}, metrics, zl)

	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zl.Error("telegram bridge stopped", zap.Error(err))
		}
	}()
	return nil
}

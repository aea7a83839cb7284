package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krakenstreamer/config"
	"krakenstreamer/internal/kraken/fanout"
	"krakenstreamer/internal/kraken/gateway"
	"krakenstreamer/internal/kraken/memorystore"
	"krakenstreamer/internal/kraken/refresher"
	"krakenstreamer/logger"
	"krakenstreamer/pkg/kraken"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("streamer failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, err := kraken.ParseBatchMode(cfg.Pipeline.BatchMode)
	if err != nil {
		return err
	}
	client := kraken.NewClient(cfg.Kraken.REST.BaseURL, cfg.Kraken.REST.Timeout, log,
		kraken.WithMinInterval(cfg.Kraken.REST.MinInterval),
		kraken.WithBatchMode(mode),
	)

	store := memorystore.NewSnapshotStore()

	if cfg.Log.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := fanout.NewHub(fanout.Config{
		Pairs:             cfg.Pipeline.Pairs,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		WriteTimeout:      cfg.Server.WriteTimeout,
		FetchTimeout:      cfg.Kraken.REST.Timeout,
		BookDepth:         cfg.Pipeline.BookDepth,
		TradeCount:        cfg.Pipeline.TradeCount,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, store, client, log)

	ref := refresher.New(refresher.Config{
		Pairs:      cfg.Pipeline.Pairs,
		Interval:   cfg.Pipeline.RefreshInterval,
		BookDepth:  cfg.Pipeline.BookDepth,
		TradeCount: cfg.Pipeline.TradeCount,
	}, client, store, hub, log)

	// warm the market list so cached reads have something before the first subscriber
	warmCtx, cancel := context.WithTimeout(ctx, cfg.Kraken.REST.Timeout)
	if _, _, err := ref.MarketData(warmCtx); err != nil {
		log.Warn("initial market data load failed", zap.Error(err))
	}
	cancel()

	if err := ref.Start(ctx); err != nil {
		return err
	}

	handler := gateway.New(gateway.Config{
		BookDepth:      cfg.Pipeline.BookDepth,
		TradeCount:     cfg.Pipeline.TradeCount,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, client, ref, store, hub, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := ref.Stop(shutdownCtx); err != nil {
		log.Warn("refresher stop", zap.Error(err))
	}
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// Command broker runs the FleetHub pub/sub broker: the Hub, the
// WebhookPublisher, and the WebSocket+HTTP control-plane surface devices and
// the external control plane talk to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleethub/broker/internal/authn"
	"github.com/fleethub/broker/internal/cache"
	"github.com/fleethub/broker/internal/config"
	"github.com/fleethub/broker/internal/hub"
	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/store"
	"github.com/fleethub/broker/internal/transport"
	"github.com/fleethub/broker/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err) // no logger yet; nothing sensible to log to
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Log

	pgStore, err := store.Open(cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer pgStore.Close()

	st := cache.NewStore(pgStore, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	cipher, err := authn.NewAPICipher(cfg.APICipherKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build API cipher")
	}
	signer := authn.NewSigner(cfg.HMACKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	webhooks := webhook.New(st, signer)
	webhookCron := webhooks.Start(ctx)

	h := hub.New(st, webhooks)
	go h.Run(ctx)
	topicCron := h.StartTopicRelationsRefresh(ctx)

	srv := transport.New(h, st, cipher)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("broker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	h.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	topicCron.Stop()
	webhookCron.Stop()
	webhooks.Stop()

	cancel()
	log.Info().Msg("broker stopped")
}

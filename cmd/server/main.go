// Command server runs the zajel relay process: pairing, rendezvous, chunk
// relay, channel fan-out, federation gossip, and attestation, all
// multiplexed over a single WebSocket hub and fronted by a gin HTTP server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/attestation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/cache"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/channelfanout"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/chunkrelay"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/federation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/pairing"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/rendezvous"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/scheduler"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/storage"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsserver"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Str("server_id", cfg.ServerID).Msg("starting zajel relay")

	redisCache, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis cache")
	}
	defer redisCache.Close()

	var membershipStore *storage.MembershipStore
	if cfg.PostgresEnabled {
		membershipStore, err = storage.NewMembershipStore(storage.PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			DBName:   cfg.PostgresDB,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to membership store")
		}
	}

	rendezvousStore := storage.NewRendezvousStore(redisCache)
	chunkStore := storage.NewChunkStore(redisCache)

	fedRegistry := federation.NewRegistry(cfg, membershipStore)
	if membershipStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := fedRegistry.LoadFromStore(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to seed ring from membership store")
		}
		cancel()

		if cfg.NATSEnabled {
			if err := fedRegistry.Connect(cfg.NATSURL); err != nil {
				log.Warn().Err(err).Msg("failed to connect federation gossip, continuing with local-only ring")
			}
		}

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		if err := fedRegistry.AddNode(ctx, cfg.ServerID, cfg.Endpoint); err != nil {
			log.Fatal().Err(err).Msg("failed to register this server's own ring membership")
		}
		cancel()
	}
	defer fedRegistry.Close()

	pairingRegistry := pairing.NewRegistry(cfg, fedRegistry)
	rendezvousRegistry := rendezvous.NewRegistry(cfg, rendezvousStore)
	chunkRelay := chunkrelay.NewRelay(cfg, chunkStore)
	channelRegistry := channelfanout.NewRegistry(cfg)

	attestGateway, err := attestation.NewGateway(cfg, redisCache)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize attestation gateway")
	}

	hub := session.NewHub(cfg)
	pairingRegistry.Wire(hub)
	rendezvousRegistry.Wire(hub)
	chunkRelay.Wire(hub)
	channelRegistry.Wire(hub)
	attestGateway.Wire(hub)
	go hub.Run()

	sched := scheduler.New()
	if err := sched.Wire(cfg, rendezvousRegistry, chunkRelay, fedRegistry, attestGateway); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule background sweeps")
	}
	sched.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           wsserver.New(cfg, hub, fedRegistry).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	sched.Stop()
	hub.Stop()

	if membershipStore != nil {
		if err := fedRegistry.UpdateNodeStatus(context.Background(), cfg.ServerID, federation.StatusFailed); err != nil {
			log.Warn().Err(err).Msg("failed to mark this server's membership failed on shutdown")
		}
	}

	log.Info().Msg("shutdown complete")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/cache"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/fetcher"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/gateway"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/hub"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/publisher"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/repository"
	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/syncer"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	instanceID := cfg.Gateway.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance", instanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	repo := repository.NewRedisStore(rdb)
	defer repo.Close()

	deps := hub.Deps{
		Cache:   cache.NewStore(clock.Real{}),
		Fetcher: fetcher.New(cfg.Remote, logger),
		Clock:   clock.Real{},
		Store:   repo,
	}

	var statePub *publisher.Publisher
	if cfg.Kafka.Enabled {
		tc := publisher.NewTopicCreator(logger, &publisher.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 5 * time.Second}}, clock.Real{})
		if err := tc.Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			logger.Warn("Topic setup failed, publishing anyway", zap.Error(err))
		}

		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{}, // subject key -> stable partition
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
		}
		statePub = publisher.New(logger, writer, instanceID, publisher.DefaultBuffer)
		deps.Publisher = statePub
		go statePub.Run(ctx)
	}

	validEntities := make(map[string]bool)
	for _, e := range cfg.Gateway.ValidTickers {
		validEntities[e] = true
	}

	// Dependency Injection: Hub builds bindings from the shared cache and fetcher
	wsHub := hub.NewHub(deps, hub.Config{
		ValidEntities:    validEntities,
		MaxSubscriptions: cfg.Gateway.MaxSubscriptions,
		Options:          syncer.OptionsFromConfig(cfg.Sync),
	}, logger)

	var snapshots repository.SnapshotStore
	if cfg.Gateway.SnapshotEndpoint {
		snapshots = repo
	}
	srv := &http.Server{Addr: cfg.App.Port, Handler: gateway.NewMux(wsHub, snapshots, logger)}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.String("upstream", cfg.Remote.BaseURL))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	wsHub.Shutdown()
	cancel()

	// Flush Kafka Buffer
	if statePub != nil {
		if err := statePub.Close(); err != nil {
			logger.Error("Error closing Kafka writer", zap.Error(err))
		}
	}
	logger.Info("Shutdown Complete")
}

// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"arkdispatch/internal/config"
	httptransport "arkdispatch/internal/http"
	"arkdispatch/internal/infra"
	"arkdispatch/internal/ingest"
	"arkdispatch/internal/maps"
	"arkdispatch/internal/modules/demand"
	"arkdispatch/internal/modules/dispatch"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/matching"
	"arkdispatch/internal/modules/monitor"
	"arkdispatch/internal/modules/traffic"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := infra.NewLogger("dispatch-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tripRepo     trip.Repository = trip.NewMemoryStore()
		trafficStore traffic.SnapshotStore
		demandStore  demand.SnapshotStore
	)
	if cfg.Storage == "postgres" {
		dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer dbPool.Close()
		tripRepo = trip.NewStore(dbPool)
		trafficStore = traffic.NewStore(dbPool)
		demandStore = demand.NewStore(dbPool)
	}

	var (
		redisClient *redis.Client
		mirror      location.Mirror
		offers      dispatch.OfferStore
	)
	if cfg.Redis.Addr != "" {
		redisClient = infra.NewRedis(cfg.Redis.Addr)
		defer redisClient.Close()
		mirror = location.NewStore(redisClient)
		offers = dispatch.NewStore(redisClient)
	}

	var bus notify.Bus
	switch cfg.Notify.Driver {
	case "redis":
		if redisClient == nil {
			log.Fatal("ARK_NOTIFY_DRIVER=redis requires ARK_REDIS_ADDR")
		}
		bus = notify.NewRedisBus(redisClient, logger)
	case "rabbitmq":
		amqpBus, err := notify.NewAMQPBus(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			log.Fatalf("rabbitmq init: %v", err)
		}
		defer amqpBus.Close()
		bus = amqpBus
	default:
		bus = notify.NewMemoryBus()
	}

	straight := maps.StraightLine{SpeedKmh: cfg.Monitor.FallbackSpeedKmh}
	router := maps.Fallback{Secondary: straight, Log: logger}
	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.MinCallDelay)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		router.Primary = routeSvc
	}

	trafficAgg := traffic.NewAggregator(cfg.Traffic, trafficStore, logger)
	registry := location.NewService(cfg.Location, trafficAgg, mirror, logger)
	tripSvc := trip.NewService(tripRepo, logger)
	matchingSvc := matching.NewService(registry, cfg.Matching)
	coordinator := dispatch.NewCoordinator(cfg.Dispatch, matchingSvc, registry, tripSvc, offers, bus, logger)
	defer coordinator.Close()
	monitorSvc := monitor.NewService(cfg.Monitor, registry, trafficAgg, tripSvc, router, bus, logger)
	demandSvc := demand.NewService(cfg.Demand, registry, tripSvc, demandStore, bus, logger)

	if err := trafficAgg.LoadBaselines(ctx); err != nil {
		logger.Warn("load traffic baselines failed", "error", err)
	}
	if err := demandSvc.Restore(ctx); err != nil {
		logger.Warn("restore demand snapshot failed", "error", err)
	}

	rides := service.NewRideService(service.Deps{
		Trips:    tripSvc,
		Registry: registry,
		Dispatch: coordinator,
		Monitor:  monitorSvc,
		Demand:   demandSvc,
		Router:   router,
		Fallback: straight,
		Log:      logger,
	})
	if n, err := rides.RestoreAssignments(ctx); err != nil {
		logger.Warn("restore driver assignments failed", "error", err)
	} else if n > 0 {
		logger.Info("driver assignments restored", "count", n)
	}
	if err := coordinator.Recover(ctx); err != nil {
		logger.Warn("recover dispatches failed", "error", err)
	}

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.NewRouter(rides, bus, logger), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return monitorSvc.Run(gctx) })
	g.Go(func() error { return demandSvc.Run(gctx) })
	g.Go(func() error { return trafficAgg.RunBaselineLoop(gctx) })
	g.Go(func() error { return trafficAgg.RunSnapshotLoop(gctx) })
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := ingest.NewConsumer(cfg.Kafka, registry, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("dispatch api started", "addr", cfg.HTTP.Addr, "storage", cfg.Storage, "notify", cfg.Notify.Driver)
	if err := g.Wait(); err != nil {
		logger.Error("dispatch api stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatch api stopped")
}

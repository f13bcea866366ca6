package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tercuman.link/configs/configsdatabase"
	"tercuman.link/configs/configsengine"
	"tercuman.link/configs/configslog"
	"tercuman.link/configs/configsredis"
	"tercuman.link/pkg/notify"
	"tercuman.link/routes"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func buildLocker(cfg configsengine.EngineConfig) services.EntityLocker {
	if cfg.LockBackend != configsengine.LockBackendRedis {
		return services.NewLocalLocker()
	}
	if err := configsredis.InitRedis(); err != nil {
		configslog.Log.Fatal("Redis lock backend selected but redis is unreachable", zap.Error(err))
	}
	return services.NewRedisLocker(configsredis.GetRedis(), "tercuman:", cfg.LockTTL)
}

func buildNotifier(cfg configsengine.EngineConfig) (services.Notifier, func()) {
	if cfg.Notifier != configsengine.NotifierKafka {
		return notify.NewLogNotifier(configslog.Log), func() {}
	}
	n := notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	configslog.Log.Info("Kafka notifier enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	return n, func() {
		if err := n.Close(); err != nil {
			configslog.Log.Error("Error closing kafka writer", zap.Error(err))
		}
	}
}

func main() {
	configslog.InitLogger()
	defer configslog.SyncLogger()

	configsdatabase.InitDB()
	defer configsdatabase.CloseDB()
	db := configsdatabase.GetDB()

	cfg := configsengine.Load()
	policies, err := services.PoliciesFromConfig(cfg)
	if err != nil {
		configslog.Log.Fatal("Invalid engine policy", zap.Error(err))
	}

	locker := buildLocker(cfg)
	defer configsredis.CloseRedis()
	notifier, closeNotifier := buildNotifier(cfg)
	defer closeNotifier()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := services.NewMatchingEngine(services.EngineDeps{
		DB:        db,
		Config:    cfg,
		Policies:  policies,
		Lifecycle: services.NewAppointmentService(db),
		Oracle:    services.NewProfileOracle(db),
		Notifier:  notifier,
		Locker:    locker,
		Metrics:   services.NewMetrics(registry),
	})
	if err != nil {
		configslog.Log.Fatal("Matching engine could not be built", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := services.NewScheduler(engine, cfg.TickInterval, cfg.TickJitter)
	scheduler.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      "tercuman matching engine",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	routes.SetupRoutes(app, engine, registry)

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			configslog.Log.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()
	configslog.Log.Info("Matching engine running", zap.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	configslog.SLog.Info("Shutting down...")
	scheduler.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		configslog.Log.Error("HTTP shutdown failed", zap.Error(err))
	}
}

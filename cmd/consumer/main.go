package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"feed-scheduler/internal/adapters/repo"
	"feed-scheduler/internal/app"
	"feed-scheduler/internal/infra/config"
	"feed-scheduler/internal/infra/db"
	apphttp "feed-scheduler/internal/infra/http"
	applog "feed-scheduler/internal/infra/log"
	"feed-scheduler/internal/infra/metrics"
	"feed-scheduler/internal/infra/queue"
	"feed-scheduler/internal/usecase/benefits"
	"feed-scheduler/internal/usecase/events"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("consumer: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	broker, err := queue.Dial(cfg.Broker.URL, queue.Config{
		Prefetch:        cfg.Broker.Prefetch,
		PublishAttempts: cfg.Broker.PublishAttempts,
		Workers:         4,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("consumer: нет подключения к брокеру")
	}
	defer broker.Close()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.HTTPAddr,
		apphttp.NewServer(logger.With().Str("component", "http").Logger(), map[string]apphttp.Pinger{"postgres": repoAdapter, "rabbitmq": broker}).Router)

	benefitsService := benefits.NewService(app.BenefitsConfig(cfg), repoAdapter, nil, app.RoleGranter(cfg, logger),
		logger.With().Str("component", "benefits").Logger())
	eventsService := events.NewService(repoAdapter, repoAdapter, benefitsService, benefitsService, broker,
		logger.With().Str("component", "events").Logger())

	g, gctx := errgroup.WithContext(ctx)
	for _, binding := range eventsService.Bindings() {
		g.Go(func() error {
			return broker.Consume(gctx, binding.Queue, binding.Policy, binding.Handler)
		})
	}

	logger.Info().Msg("consumer: запущен")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("consumer: потребитель завершился с ошибкой")
	}
	logger.Info().Msg("consumer: остановлен")
}

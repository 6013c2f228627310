package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"feed-scheduler/internal/adapters/reddit"
	"feed-scheduler/internal/adapters/repo"
	"feed-scheduler/internal/app"
	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/cache"
	"feed-scheduler/internal/infra/config"
	"feed-scheduler/internal/infra/db"
	apphttp "feed-scheduler/internal/infra/http"
	applog "feed-scheduler/internal/infra/log"
	"feed-scheduler/internal/infra/metrics"
	"feed-scheduler/internal/infra/queue"
	"feed-scheduler/internal/usecase/benefits"
	"feed-scheduler/internal/usecase/credentials"
	"feed-scheduler/internal/usecase/maintenance"
	"feed-scheduler/internal/usecase/refreshrate"
	"feed-scheduler/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось применить миграции")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)
	checks := map[string]apphttp.Pinger{"postgres": repoAdapter}

	var lock domain.WindowLock
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		redisLock := cache.NewRedisLock(client, "feed-scheduler:")
		lock = redisLock
		checks["redis"] = redisLock
	} else {
		logger.Warn().Msg("scheduler: REDIS_ADDR не задан, окна не защищены от параллельных экземпляров")
	}

	broker, err := queue.Dial(cfg.Broker.URL, queue.Config{
		Prefetch:        cfg.Broker.Prefetch,
		PublishAttempts: cfg.Broker.PublishAttempts,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к брокеру")
	}
	defer broker.Close()
	checks["rabbitmq"] = broker

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.HTTPAddr,
		apphttp.NewServer(logger.With().Str("component", "http").Logger(), checks).Router)

	sealer := app.Sealer(cfg, logger)
	benefitsService := benefits.NewService(app.BenefitsConfig(cfg), repoAdapter, app.GuildSubscriptions(cfg, logger), nil, logger.With().Str("component", "benefits").Logger())
	rates := refreshrate.NewService(repoAdapter, benefitsService, cfg.Scheduling.DefaultRefreshMinutes, logger.With().Str("component", "refreshrate").Logger())

	tick := schedule.NewHandler(repoAdapter, repoAdapter, rates, lock, broker, sealer, schedule.Config{
		TickWindow:  cfg.Scheduling.TickWindow,
		FanOutLimit: cfg.Scheduling.FanOutLimit,
		BatchSize:   cfg.Scheduling.BatchSize,
		PageSize:    cfg.Scheduling.PageSize,
	}, logger.With().Str("component", "scheduler").Logger())

	var refresher domain.TokenRefresher
	if cfg.Reddit.ClientID != "" {
		r, err := reddit.NewRefresher(reddit.Config{
			ClientID:     cfg.Reddit.ClientID,
			ClientSecret: cfg.Reddit.ClientSecret,
			TokenURL:     cfg.Reddit.TokenURL,
			UserAgent:    cfg.Reddit.UserAgent,
			Timeout:      cfg.Reddit.Timeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: некорректные настройки приложения Reddit")
		}
		refresher = r
	}
	creds := credentials.NewService(repoAdapter, repoAdapter, refresher, sealer, credentials.Config{
		Lookahead:         cfg.Scheduling.CredentialLookahead,
		RequestTimeout:    cfg.Reddit.Timeout,
		RequestsPerSecond: cfg.Scheduling.CredentialRequestsPerSecond,
	}, logger)

	upkeep := maintenance.NewService(repoAdapter, repoAdapter, rates, benefitsService, creds, broker, cfg.Scheduling.PageSize,
		logger.With().Str("component", "maintenance").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.RunEvery(gctx, logger, "tick", cfg.Scheduling.TickWindow, tick.RunTick)
	})
	g.Go(func() error {
		return app.RunEvery(gctx, logger, "credentials", cfg.Scheduling.CredentialRefreshInterval, creds.RefreshExpiring)
	})
	g.Go(func() error {
		return app.RunEvery(gctx, logger, "maintenance", cfg.Scheduling.MaintenanceInterval, upkeep.Run)
	})

	logger.Info().Dur("tick", cfg.Scheduling.TickWindow).Msg("scheduler: запущен")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("scheduler: циклы завершились с ошибкой")
	}
	logger.Info().Msg("scheduler: остановлен")
}

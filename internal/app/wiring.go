package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/adapters/discord"
	"feed-scheduler/internal/adapters/subscriptions"
	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/config"
	"feed-scheduler/internal/infra/crypto"
	"feed-scheduler/internal/usecase/benefits"
)

// BenefitsConfig собирает настройки привилегий из конфигурации приложения.
func BenefitsConfig(cfg config.AppConfig) benefits.Config {
	b := cfg.Benefits
	return benefits.Config{
		Enabled:                   b.SupportersEnabled,
		DefaultMaxFeeds:           b.DefaultMaxFeeds,
		DefaultMaxUserFeeds:       b.DefaultMaxUserFeeds,
		DefaultRefreshRateSeconds: cfg.Scheduling.DefaultRefreshMinutes * 60,
		MaxDailyArticlesDefault:   b.MaxDailyArticlesDefault,
		MaxDailyArticlesSupporter: b.MaxDailyArticlesSupporter,
		LegacyPatronIDs:           b.LegacyPatronIDs,
		Roles: domain.SupporterRoles{
			GuildID:    b.SupporterGuildID,
			RoleID:     b.SupporterRoleID,
			SubroleIDs: b.SupporterSubroleIDs,
		},
		LookupTimeout: cfg.Subscriptions.Timeout,
	}
}

// GuildSubscriptions возвращает клиент сервиса подписок или nil, если адрес не задан.
func GuildSubscriptions(cfg config.AppConfig, logger zerolog.Logger) domain.GuildSubscriptions {
	if cfg.Subscriptions.BaseURL == "" {
		logger.Info().Msg("app: сервис подписок серверов не настроен")
		return nil
	}
	client, err := subscriptions.New(cfg.Subscriptions.BaseURL,
		subscriptions.WithToken(cfg.Subscriptions.Token),
		subscriptions.WithTimeout(cfg.Subscriptions.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("app: некорректный адрес сервиса подписок")
	}
	return client
}

// RoleGranter возвращает REST-клиент Discord или nil, если токен бота не задан.
func RoleGranter(cfg config.AppConfig, logger zerolog.Logger) domain.RoleGranter {
	if cfg.Discord.BotToken == "" {
		logger.Info().Msg("app: токен бота Discord не задан, синхронизация ролей отключена")
		return nil
	}
	granter, err := discord.NewRoleGranter(cfg.Discord.BotToken, cfg.Discord.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("app: не удалось создать клиент Discord")
	}
	return granter
}

// Sealer возвращает шифратор учётных данных или nil, если ключ не задан.
func Sealer(cfg config.AppConfig, logger zerolog.Logger) domain.Sealer {
	sealer, err := crypto.NewSealer(cfg.Encryption.Key)
	if errors.Is(err, domain.ErrEncryptionKeyMissing) {
		logger.Warn().Err(err).Msg("app: операции с токенами Reddit отключены")
		return nil
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("app: некорректный ключ шифрования")
	}
	return sealer
}

// RunEvery вызывает fn сразу и затем с интервалом interval до отмены ctx.
// Запуски не перекрываются: пропущенные за время работы тики отбрасываются.
func RunEvery(ctx context.Context, logger zerolog.Logger, name string, interval time.Duration, fn func(ctx context.Context, now time.Time) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger = logger.With().Str("loop", name).Logger()
	logger.Info().Dur("interval", interval).Msg("app: цикл запущен")
	for {
		if err := fn(ctx, time.Now()); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("app: итерация цикла завершилась ошибкой")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("app: цикл остановлен")
			return nil
		case <-ticker.C:
		}
	}
}

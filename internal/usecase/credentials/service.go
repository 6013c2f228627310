package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// Config задаёт параметры обновления учётных данных.
type Config struct {
	// Lookahead — за сколько до истечения обновлять токен.
	Lookahead      time.Duration
	PageSize       int
	Concurrency    int
	RequestTimeout time.Duration
	// RequestsPerSecond ограничивает частоту обращений к провайдеру OAuth.
	RequestsPerSecond float64
}

// Service обновляет токены Reddit и поддерживает ключи поиска лент.
type Service struct {
	users     domain.UserRepo
	feeds     domain.FeedRepo
	refresher domain.TokenRefresher
	sealer    domain.Sealer
	limiter   *rate.Limiter
	cfg       Config
	log       zerolog.Logger
	newKey    func() string
}

// NewService создаёт сервис. refresher и sealer могут быть nil, тогда обновление не выполняется.
func NewService(users domain.UserRepo, feeds domain.FeedRepo, refresher domain.TokenRefresher, sealer domain.Sealer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 2 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Service{
		users:     users,
		feeds:     feeds,
		refresher: refresher,
		sealer:    sealer,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		log:       logger.With().Str("component", "credentials").Logger(),
		newKey:    uuid.NewString,
	}
}

// RefreshExpiring обновляет токены, истекающие в ближайшее окно Lookahead.
// Пользователи читаются постранично; ошибка одного пользователя не прерывает обход.
func (s *Service) RefreshExpiring(ctx context.Context, now time.Time) error {
	if s.sealer == nil {
		s.log.Warn().Err(domain.ErrEncryptionKeyMissing).Msg("credentials: обновление токенов пропущено")
		return nil
	}
	if s.refresher == nil {
		s.log.Debug().Msg("credentials: приложение Reddit не настроено, обновление токенов пропущено")
		return nil
	}
	before := now.Add(s.cfg.Lookahead)
	cursor := ""
	total := 0
	for {
		page, err := s.users.ListExpiringRedditCredentials(ctx, before, cursor, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list expiring credentials: %w", err)
		}
		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for _, cred := range page {
			g.Go(func() error {
				if err := s.refreshOne(ctx, cred, now); err != nil {
					metrics.IncCredential("error")
					s.log.Error().Err(err).Str("user", cred.DiscordUserID).Msg("credentials: не удалось обновить токен")
				}
				return nil
			})
		}
		_ = g.Wait()
		total += len(page)
		if len(page) < s.cfg.PageSize || ctx.Err() != nil {
			break
		}
		cursor = page[len(page)-1].DiscordUserID
	}
	if total > 0 {
		s.log.Info().Int("users", total).Msg("credentials: обход истекающих токенов завершён")
	}
	return ctx.Err()
}

func (s *Service) refreshOne(ctx context.Context, cred domain.RedditCredential, now time.Time) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	refreshToken, err := s.sealer.Open(cred.RefreshTokenEnc)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	token, err := s.refresher.Refresh(callCtx, refreshToken)
	cancel()
	if errors.Is(err, domain.ErrAppRevoked) {
		return s.revoke(ctx, cred.DiscordUserID, now)
	}
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	access, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh := cred.RefreshTokenEnc
	if token.RefreshToken != "" {
		if refresh, err = s.sealer.Seal(token.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	err = s.users.SaveRedditCredential(ctx, domain.RedditCredential{
		DiscordUserID:   cred.DiscordUserID,
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		ExpireAt:        token.Expiry,
		Status:          domain.CredentialActive,
	})
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	metrics.IncCredential("refreshed")
	return nil
}

func (s *Service) revoke(ctx context.Context, discordUserID string, now time.Time) error {
	revoked, err := s.users.RevokeRedditCredential(ctx, discordUserID)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	metrics.IncCredential("revoked")
	s.log.Warn().Str("user", discordUserID).Bool("changed", revoked).Msg("credentials: доступ приложения отозван, учётные данные отключены")
	if err := s.SyncLookupKeys(ctx, []string{discordUserID}, now); err != nil {
		return fmt.Errorf("unset lookup keys: %w", err)
	}
	return nil
}

// SyncLookupKeys выдаёт новые ключи поиска лентам Reddit пользователей с действующими
// учётными данными и снимает ключи при истёкших или отозванных. Пустой userIDs означает всех.
func (s *Service) SyncLookupKeys(ctx context.Context, userIDs []string, now time.Time) error {
	active, err := s.users.ListLookupKeyCandidates(ctx, userIDs, true, now)
	if err != nil {
		return fmt.Errorf("list active candidates: %w", err)
	}
	inactive, err := s.users.ListLookupKeyCandidates(ctx, userIDs, false, now)
	if err != nil {
		return fmt.Errorf("list inactive candidates: %w", err)
	}

	updates := make([]domain.LookupKeyUpdate, 0, len(active)+len(inactive))
	for _, c := range active {
		if c.LookupKey != "" {
			continue
		}
		updates = append(updates, domain.LookupKeyUpdate{FeedID: c.FeedID, LookupKey: s.newKey()})
	}
	for _, c := range inactive {
		if c.LookupKey == "" {
			continue
		}
		updates = append(updates, domain.LookupKeyUpdate{FeedID: c.FeedID})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.feeds.BulkUpdateLookupKeys(ctx, updates); err != nil {
		return fmt.Errorf("update lookup keys: %w", err)
	}
	s.log.Info().Int("feeds", len(updates)).Msg("credentials: ключи поиска обновлены")
	return nil
}

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
	"feed-scheduler/internal/usecase/slot"
)

// RateResolver вычисляет действующую частоту лент.
type RateResolver interface {
	GetRefreshRatesOfFeeds(ctx context.Context, feeds []domain.FeedRef) ([]int, error)
}

// UserBenefits отдаёт привилегии всех пользователей с отличными от умолчания значениями.
type UserBenefits interface {
	GetBenefitsOfAllDiscordUsers(ctx context.Context) ([]domain.DiscordUserBenefits, error)
	DefaultMaxUserFeeds() int
	MaxDailyArticlesDefault() int
}

// LookupKeySyncer выставляет и снимает ключи поиска лент.
type LookupKeySyncer interface {
	SyncLookupKeys(ctx context.Context, userIDs []string, now time.Time) error
}

// Service исправляет расхождения, которые могли пропустить обработчики событий.
type Service struct {
	feeds     domain.FeedRepo
	fails     domain.FailRecordRepo
	rates     RateResolver
	benefits  UserBenefits
	keys      LookupKeySyncer
	publisher domain.Publisher
	pageSize  int
	log       zerolog.Logger
}

// NewService создаёт сервис обслуживания.
func NewService(feeds domain.FeedRepo, fails domain.FailRecordRepo, rates RateResolver, benefits UserBenefits, keys LookupKeySyncer, publisher domain.Publisher, pageSize int, logger zerolog.Logger) *Service {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Service{
		feeds:     feeds,
		fails:     fails,
		rates:     rates,
		benefits:  benefits,
		keys:      keys,
		publisher: publisher,
		pageSize:  pageSize,
		log:       logger.With().Str("component", "maintenance").Logger(),
	}
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Run выполняет все шаги обслуживания. Ошибка шага логируется, остальные шаги выполняются.
func (s *Service) Run(ctx context.Context, now time.Time) error {
	var (
		users    []domain.DiscordUserBenefits
		usersErr error
		loaded   bool
	)
	allUsers := func(ctx context.Context) ([]domain.DiscordUserBenefits, error) {
		if !loaded {
			users, usersErr = s.benefits.GetBenefitsOfAllDiscordUsers(ctx)
			loaded = true
		}
		return users, usersErr
	}

	steps := []step{
		{"refresh_rates", s.reconcileRates},
		{"daily_articles", func(ctx context.Context) error {
			users, err := allUsers(ctx)
			if err != nil {
				return err
			}
			return s.syncDailyArticleLimits(ctx, users)
		}},
		{"lookup_keys", func(ctx context.Context) error { return s.keys.SyncLookupKeys(ctx, nil, now) }},
		{"slot_offsets", s.backfillSlotOffsets},
		{"user_feed_limits", func(ctx context.Context) error {
			users, err := allUsers(ctx)
			if err != nil {
				return err
			}
			return s.enforceUserFeedLimits(ctx, users)
		}},
		{"fail_records", func(ctx context.Context) error { return s.sweepFailRecords(ctx, now) }},
	}

	var errs []error
	for _, st := range steps {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		if err := st.run(ctx); err != nil {
			metrics.IncMaintenanceError(st.name)
			s.log.Error().Err(err).Str("step", st.name).Msg("maintenance: шаг завершился с ошибкой")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		s.log.Debug().Str("step", st.name).Dur("took", time.Since(start)).Msg("maintenance: шаг выполнен")
	}
	return errors.Join(errs...)
}

// reconcileRates сохраняет вычисленные частоты и пересчитывает слот, если изменилась действующая частота.
func (s *Service) reconcileRates(ctx context.Context) error {
	cursor := ""
	updated := 0
	for {
		page, err := s.feeds.ListRateStates(ctx, cursor, s.pageSize)
		if err != nil {
			return fmt.Errorf("list rate states: %w", err)
		}
		if len(page) == 0 {
			break
		}
		refs := make([]domain.FeedRef, len(page))
		for i, st := range page {
			refs[i] = st.FeedRef
		}
		resolved, err := s.rates.GetRefreshRatesOfFeeds(ctx, refs)
		if err != nil {
			return fmt.Errorf("resolve refresh rates: %w", err)
		}
		for i, st := range page {
			rate := resolved[i]
			if rate == st.RefreshRateSeconds {
				continue
			}
			var offset *int64
			before := domain.EffectiveRate(st.RefreshRateSeconds, st.UserRefreshRateSeconds)
			after := domain.EffectiveRate(rate, st.UserRefreshRateSeconds)
			if before != after || st.SlotOffsetMs == nil {
				v := slot.OffsetMs(st.URL, after)
				offset = &v
			}
			if err := s.feeds.UpdateRefreshRate(ctx, st.ID, rate, offset); err != nil {
				return fmt.Errorf("update refresh rate of %s: %w", st.ID, err)
			}
			updated++
		}
		if len(page) < s.pageSize {
			break
		}
		cursor = page[len(page)-1].ID
	}
	if updated > 0 {
		s.log.Info().Int("feeds", updated).Msg("maintenance: частоты лент исправлены")
	}
	return nil
}

func (s *Service) syncDailyArticleLimits(ctx context.Context, users []domain.DiscordUserBenefits) error {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.DiscordUserID)
		if _, err := s.feeds.SetMaxDailyArticles(ctx, u.DiscordUserID, u.MaxDailyArticles); err != nil {
			return fmt.Errorf("set max daily articles of %s: %w", u.DiscordUserID, err)
		}
	}
	if _, err := s.feeds.ResetMaxDailyArticlesExcept(ctx, ids, s.benefits.MaxDailyArticlesDefault()); err != nil {
		return fmt.Errorf("reset max daily articles: %w", err)
	}
	return nil
}

func (s *Service) backfillSlotOffsets(ctx context.Context) error {
	cursor := ""
	for {
		page, err := s.feeds.ListMissingSlotOffset(ctx, cursor, s.pageSize)
		if err != nil {
			return fmt.Errorf("list missing slot offsets: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		updates := make([]domain.SlotOffsetUpdate, 0, len(page))
		for _, st := range page {
			rate := domain.EffectiveRate(st.RefreshRateSeconds, st.UserRefreshRateSeconds)
			updates = append(updates, domain.SlotOffsetUpdate{FeedID: st.ID, SlotOffsetMs: slot.OffsetMs(st.URL, rate)})
		}
		if err := s.feeds.BulkUpdateSlotOffsets(ctx, updates); err != nil {
			return fmt.Errorf("update slot offsets: %w", err)
		}
		if len(page) < s.pageSize {
			return nil
		}
		cursor = page[len(page)-1].ID
	}
}

// enforceUserFeedLimits отключает самые новые ленты сверх лимита владельца
// и возвращает самые старые, отключённые по лимиту, пока есть место.
func (s *Service) enforceUserFeedLimits(ctx context.Context, users []domain.DiscordUserBenefits) error {
	limits := make(map[string]int, len(users))
	for _, u := range users {
		limits[u.DiscordUserID] = u.MaxUserFeeds
	}
	var toDisable, toEnable []string
	err := s.feeds.IterateFeedOwnership(ctx, s.pageSize, func(o domain.FeedOwnership) error {
		limit, ok := limits[o.DiscordUserID]
		if !ok {
			limit = s.benefits.DefaultMaxUserFeeds()
		}
		limit = max(limit, 0)
		enabled := len(o.EnabledFeedIDs)
		switch {
		case enabled > limit:
			toDisable = append(toDisable, o.EnabledFeedIDs[limit:]...)
		case enabled < limit && len(o.LimitDisabledFeedIDs) > 0:
			n := min(limit-enabled, len(o.LimitDisabledFeedIDs))
			toEnable = append(toEnable, o.LimitDisabledFeedIDs[:n]...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate feed ownership: %w", err)
	}
	if len(toDisable) > 0 {
		n, err := s.feeds.DisableFeeds(ctx, toDisable, domain.FeedDisabledExceededLimit)
		if err != nil {
			return fmt.Errorf("disable feeds over limit: %w", err)
		}
		metrics.AddFeedsDisabled(string(domain.FeedDisabledExceededLimit), int(n))
		s.log.Info().Int64("feeds", n).Msg("maintenance: ленты сверх лимита отключены")
	}
	if len(toEnable) > 0 {
		n, err := s.feeds.EnableFeeds(ctx, toEnable, domain.FeedDisabledExceededLimit)
		if err != nil {
			return fmt.Errorf("enable feeds under limit: %w", err)
		}
		s.log.Info().Int64("feeds", n).Msg("maintenance: ленты в пределах лимита включены")
	}
	return nil
}

// sweepFailRecords отключает ленты с устойчивой ошибкой, если событие об отключении было потеряно.
func (s *Service) sweepFailRecords(ctx context.Context, now time.Time) error {
	records, err := s.fails.ListFailedRecords(ctx, now.Add(-domain.FailRecordLifetime))
	if err != nil {
		return fmt.Errorf("list failed records: %w", err)
	}
	for _, rec := range records {
		ids, err := s.feeds.DisableByRequestKey(ctx, rec.Key, domain.FeedDisabledFailedRequests, domain.FeedHealthFailed)
		if err != nil {
			return fmt.Errorf("disable feeds of %s: %w", rec.Key, err)
		}
		if len(ids) == 0 {
			continue
		}
		metrics.AddFeedsDisabled(string(domain.FeedDisabledFailedRequests), len(ids))
		s.log.Info().Str("key", rec.Key.String()).Int("feeds", len(ids)).Msg("maintenance: ленты с устойчивой ошибкой отключены")
		if rec.Alerted || s.publisher == nil {
			continue
		}
		alert := domain.DisabledFeedsAlert{FeedIDs: ids, DisabledCode: string(domain.FeedDisabledFailedRequests)}
		if err := s.publisher.Publish(ctx, domain.QueueFeedDisabledAlert, alert, domain.PublishOptions{}); err != nil {
			s.log.Warn().Err(err).Str("key", rec.Key.String()).Msg("maintenance: не удалось отправить уведомление")
			continue
		}
		if err := s.fails.MarkFailRecordAlerted(ctx, rec.Key); err != nil {
			s.log.Warn().Err(err).Str("key", rec.Key.String()).Msg("maintenance: не удалось отметить уведомление")
		}
	}
	return nil
}

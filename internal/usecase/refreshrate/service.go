package refreshrate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
)

// ServerBenefitsSource отдаёт привилегии серверов пакетно.
type ServerBenefitsSource interface {
	GetBenefitsOfServers(ctx context.Context, guildIDs []string) ([]domain.ServerBenefits, error)
}

// Resolver предлагает частоту для ленты либо пропускает её.
type Resolver interface {
	Resolve(feed domain.FeedRef) (seconds int, ok bool)
}

type scheduleResolver []domain.Schedule

// Resolve возвращает частоту первого совпавшего расписания.
func (r scheduleResolver) Resolve(feed domain.FeedRef) (int, bool) {
	for _, s := range r {
		if s.Matches(feed.ID, feed.URL) {
			return s.RefreshRateSeconds(), true
		}
	}
	return 0, false
}

type guildBenefitResolver map[string]domain.ServerBenefits

func (r guildBenefitResolver) Resolve(feed domain.FeedRef) (int, bool) {
	b, ok := r[feed.GuildID]
	if !ok || !b.HasSupporter || b.RefreshRateSeconds == nil {
		return 0, false
	}
	return *b.RefreshRateSeconds, true
}

type defaultResolver int

func (r defaultResolver) Resolve(domain.FeedRef) (int, bool) {
	return int(r), true
}

// Service вычисляет действующую частоту обновления лент.
type Service struct {
	schedules          domain.ScheduleRepo
	benefits           ServerBenefitsSource
	defaultRateSeconds int
	log                zerolog.Logger
}

// NewService создаёт сервис частот. defaultRefreshMinutes задаёт частоту без привилегий.
func NewService(schedules domain.ScheduleRepo, benefits ServerBenefitsSource, defaultRefreshMinutes int, logger zerolog.Logger) *Service {
	return &Service{
		schedules:          schedules,
		benefits:           benefits,
		defaultRateSeconds: defaultRefreshMinutes * 60,
		log:                logger,
	}
}

// DefaultRateSeconds возвращает частоту по умолчанию в секундах.
func (s *Service) DefaultRateSeconds() int {
	return s.defaultRateSeconds
}

// GetRefreshRatesOfFeeds возвращает частоту для каждой ленты в исходном порядке.
// Привилегии запрашиваются один раз для всех различных серверов.
func (s *Service) GetRefreshRatesOfFeeds(ctx context.Context, feeds []domain.FeedRef) ([]int, error) {
	if len(feeds) == 0 {
		return []int{}, nil
	}
	resolvers, err := s.resolvers(ctx, feeds)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(feeds))
	for i, feed := range feeds {
		for _, r := range resolvers {
			if rate, ok := r.Resolve(feed); ok {
				out[i] = rate
				break
			}
		}
	}
	return out, nil
}

// resolvers строит цепочку в порядке приоритета: расписание, сервер, значение по умолчанию.
func (s *Service) resolvers(ctx context.Context, feeds []domain.FeedRef) ([]Resolver, error) {
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	seen := make(map[string]struct{}, len(feeds))
	guildIDs := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if f.GuildID == "" {
			continue
		}
		if _, ok := seen[f.GuildID]; ok {
			continue
		}
		seen[f.GuildID] = struct{}{}
		guildIDs = append(guildIDs, f.GuildID)
	}

	byGuild := make(guildBenefitResolver, len(guildIDs))
	if len(guildIDs) > 0 {
		benefits, err := s.benefits.GetBenefitsOfServers(ctx, guildIDs)
		if err != nil {
			return nil, fmt.Errorf("get benefits of servers: %w", err)
		}
		for _, b := range benefits {
			byGuild[b.ServerID] = b
		}
	}

	return []Resolver{
		scheduleResolver(schedules),
		byGuild,
		defaultResolver(s.defaultRateSeconds),
	}, nil
}

// FindSchedulesNotMatchingRefreshRate возвращает расписания с частотой, отличной от rateSeconds.
func (s *Service) FindSchedulesNotMatchingRefreshRate(ctx context.Context, rateSeconds int) ([]domain.Schedule, error) {
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]domain.Schedule, 0, len(schedules))
	for _, sch := range schedules {
		if sch.RefreshRateSeconds() != rateSeconds {
			out = append(out, sch)
		}
	}
	s.log.Debug().Int("rate", rateSeconds).Int("schedules", len(out)).Msg("refreshrate: расписания с другой частотой")
	return out, nil
}

package refreshrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/usecase/benefits"
)

type stubSchedules struct {
	list []domain.Schedule
	err  error
}

func (s stubSchedules) ListSchedules(context.Context) ([]domain.Schedule, error) {
	return s.list, s.err
}

type stubBenefits struct {
	byGuild map[string]domain.ServerBenefits
	err     error
	calls   [][]string
}

func (s *stubBenefits) GetBenefitsOfServers(_ context.Context, ids []string) ([]domain.ServerBenefits, error) {
	s.calls = append(s.calls, ids)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.ServerBenefits, 0, len(ids))
	for _, id := range ids {
		b, ok := s.byGuild[id]
		if !ok {
			b = domain.ServerBenefits{ServerID: id, MaxFeeds: 5}
		}
		out = append(out, b)
	}
	return out, nil
}

func rate(v int) *int { return &v }

func TestGetRefreshRatesOfFeeds(t *testing.T) {
	schedules := stubSchedules{list: []domain.Schedule{
		{Name: "empty", RefreshRateMinutes: 1},
		{Name: "youtube", Keywords: []string{"youtube.com"}, RefreshRateMinutes: 1},
		{Name: "pinned", FeedIDs: []string{"f-pinned"}, RefreshRateMinutes: 30},
		{Name: "late", Keywords: []string{"youtube.com"}, RefreshRateMinutes: 60},
	}}
	src := &stubBenefits{byGuild: map[string]domain.ServerBenefits{
		"supporter":   {ServerID: "supporter", HasSupporter: true, RefreshRateSeconds: rate(120)},
		"no-rate":     {ServerID: "no-rate", HasSupporter: true},
		"not-support": {ServerID: "not-support", RefreshRateSeconds: rate(30)},
	}}
	svc := NewService(schedules, src, 10, zerolog.Nop())

	feeds := []domain.FeedRef{
		{ID: "f1", URL: "https://example.com/rss", GuildID: "plain"},
		{ID: "f2", URL: "https://example.com/rss", GuildID: "supporter"},
		{ID: "f3", URL: "https://www.youtube.com/feeds/videos.xml", GuildID: "supporter"},
		{ID: "f-pinned", URL: "https://example.com/other", GuildID: "plain"},
		{ID: "f5", URL: "https://example.com/a", GuildID: "no-rate"},
		{ID: "f6", URL: "https://example.com/b", GuildID: "not-support"},
		{ID: "f7", URL: "https://example.com/c", GuildID: "supporter"},
	}
	got, err := svc.GetRefreshRatesOfFeeds(context.Background(), feeds)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []int{600, 120, 60, 1800, 600, 600, 120}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("частоты = %v, want %v", got, want)
	}
	if len(src.calls) != 1 || len(src.calls[0]) != 4 {
		t.Fatalf("привилегии должны запрашиваться один раз по различным серверам: %v", src.calls)
	}
}

func TestGetRefreshRatesOfFeedsErrors(t *testing.T) {
	feeds := []domain.FeedRef{{ID: "f1", URL: "u", GuildID: "g"}}

	svc := NewService(stubSchedules{}, &stubBenefits{err: errors.New("db down")}, 10, zerolog.Nop())
	if _, err := svc.GetRefreshRatesOfFeeds(context.Background(), feeds); err == nil {
		t.Fatalf("ошибка получения привилегий должна возвращаться вызывающему")
	}

	svc = NewService(stubSchedules{err: errors.New("db down")}, &stubBenefits{}, 10, zerolog.Nop())
	if _, err := svc.GetRefreshRatesOfFeeds(context.Background(), feeds); err == nil {
		t.Fatalf("ошибка получения расписаний должна возвращаться вызывающему")
	}

	got, err := svc.GetRefreshRatesOfFeeds(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("ожидали пустой результат, получили %v, %v", got, err)
	}
}

func TestFindSchedulesNotMatchingRefreshRate(t *testing.T) {
	svc := NewService(stubSchedules{list: []domain.Schedule{
		{Name: "a", RefreshRateMinutes: 2},
		{Name: "b", RefreshRateMinutes: 10},
	}}, &stubBenefits{}, 10, zerolog.Nop())
	got, err := svc.FindSchedulesNotMatchingRefreshRate(context.Background(), 600)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("ожидали только расписание a, получили %+v", got)
	}
}

type supporterRepo struct {
	guild []domain.GuildSupporter
}

func (r supporterRepo) FindSupporter(context.Context, string) (domain.Supporter, error) {
	return domain.Supporter{}, domain.ErrNotFound
}

func (r supporterRepo) ListGuildSupporters(context.Context, []string) ([]domain.GuildSupporter, error) {
	return r.guild, nil
}

func (r supporterRepo) ListSupporters(context.Context) ([]domain.Supporter, error) { return nil, nil }

func (r supporterRepo) FindFeedLimitOverride(context.Context, string) (domain.FeedLimitOverride, error) {
	return domain.FeedLimitOverride{}, domain.ErrNotFound
}

func (r supporterRepo) ListFeedLimitOverridesExcept(context.Context, []string) ([]domain.FeedLimitOverride, error) {
	return nil, nil
}

type guildSubscriptions []domain.GuildSubscription

func (g guildSubscriptions) GetSubscriptions(context.Context, []string) ([]domain.GuildSubscription, error) {
	return g, nil
}

// Сквозные сценарии вместе с расчётом привилегий.
func TestRefreshRatesWithBenefitEngine(t *testing.T) {
	expire := time.Now().Add(24 * time.Hour)
	repo := supporterRepo{guild: []domain.GuildSupporter{
		{GuildID: "manual", Supporter: domain.Supporter{ID: "u1", ExpireAt: &expire}},
		{GuildID: "slow", Supporter: domain.Supporter{ID: "u2", ExpireAt: &expire, SlowRate: true}},
	}}
	subs := guildSubscriptions{{GuildID: "paid", RefreshRateSeconds: 60}}
	engine := benefits.NewService(benefits.Config{
		Enabled:                   true,
		DefaultMaxFeeds:           5,
		DefaultMaxUserFeeds:       3,
		DefaultRefreshRateSeconds: 600,
	}, repo, subs, nil, zerolog.Nop())
	svc := NewService(stubSchedules{}, engine, 10, zerolog.Nop())

	tests := []struct {
		name  string
		guild string
		want  int
	}{
		{name: "no supporter", guild: "nobody", want: 600},
		{name: "manual supporter", guild: "manual", want: 120},
		{name: "slow rate supporter", guild: "slow", want: 600},
		{name: "guild subscription", guild: "paid", want: 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.GetRefreshRatesOfFeeds(context.Background(), []domain.FeedRef{{ID: "f", URL: "https://example.com", GuildID: tt.guild}})
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if got[0] != tt.want {
				t.Fatalf("частота = %d, want %d", got[0], tt.want)
			}
		})
	}
}

package benefits

import (
	"testing"
	"time"

	"feed-scheduler/internal/domain"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestRules() PatronRules {
	r := NewPatronRules(5, 3, []string{"72337020"})
	r.now = func() time.Time { return fixedNow }
	return r
}

func ago(d time.Duration) *time.Time {
	t := fixedNow.Add(-d)
	return &t
}

func intPtr(v int) *int { return &v }

func TestPatronIsValid(t *testing.T) {
	rules := newTestRules()
	day := 24 * time.Hour
	tests := []struct {
		name   string
		patron domain.Patron
		want   bool
	}{
		{name: "zero pledge", patron: domain.Patron{Status: domain.PatronActive, Pledge: 0}, want: false},
		{name: "active with pledge", patron: domain.Patron{Status: domain.PatronActive, Pledge: 100}, want: true},
		{name: "declined 3 days ago", patron: domain.Patron{Status: domain.PatronDeclined, Pledge: 100, LastCharge: ago(3 * day)}, want: true},
		{name: "declined 5 days ago", patron: domain.Patron{Status: domain.PatronDeclined, Pledge: 100, LastCharge: ago(5 * day)}, want: false},
		{name: "declined without charge", patron: domain.Patron{Status: domain.PatronDeclined, Pledge: 100}, want: false},
		{name: "former", patron: domain.Patron{Status: domain.PatronFormer, Pledge: 5000, LastCharge: ago(time.Hour)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rules.IsValid(tt.patron); got != tt.want {
				t.Fatalf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatronLadders(t *testing.T) {
	rules := newTestRules()
	feeds := []struct {
		pledge int
		want   int
	}{
		{2000, 140}, {1999, 105}, {1500, 105}, {1000, 70}, {500, 35}, {499, 15}, {250, 15}, {249, 5}, {0, 5},
	}
	for _, tt := range feeds {
		if got := rules.MaxFeeds(tt.pledge); got != tt.want {
			t.Fatalf("MaxFeeds(%d) = %d, want %d", tt.pledge, got, tt.want)
		}
	}

	if got := rules.MaxUserFeeds("72337020", 100); got != 5 {
		t.Fatalf("устаревший патрон должен получить 5, получили %d", got)
	}
	if got := rules.MaxUserFeeds("72337020", 99); got != 3 {
		t.Fatalf("ожидали значение по умолчанию, получили %d", got)
	}
	if got := rules.MaxUserFeeds("123", 100); got != 3 {
		t.Fatalf("ожидали значение по умолчанию, получили %d", got)
	}
	if got := rules.MaxUserFeeds("123", 2000); got != 140 {
		t.Fatalf("ожидали 140, получили %d", got)
	}

	guilds := []struct {
		lifetime int
		want     int
	}{
		{2500, 4}, {2499, 3}, {1500, 3}, {500, 2}, {499, 1},
	}
	for _, tt := range guilds {
		if got := rules.MaxGuilds(tt.lifetime); got != tt.want {
			t.Fatalf("MaxGuilds(%d) = %d, want %d", tt.lifetime, got, tt.want)
		}
	}

	if rate := rules.RefreshRateSeconds(500); rate == nil || *rate != 120 {
		t.Fatalf("ожидали 120 при пожертвовании 500")
	}
	if rate := rules.RefreshRateSeconds(499); rate != nil {
		t.Fatalf("ожидали отсутствие ускорения, получили %d", *rate)
	}
}

func TestMaxBenefitsWithoutValidPatrons(t *testing.T) {
	rules := newTestRules()
	got := rules.MaxBenefits([]domain.Patron{{Status: domain.PatronFormer, Pledge: 5000}})
	if got.ExistsAndIsValid || got.MaxFeeds != 5 || got.MaxUserFeeds != 3 || got.MaxGuilds != 0 || got.AllowWebhooks || got.RefreshRateSeconds != nil {
		t.Fatalf("неожиданные привилегии: %+v", got)
	}
}

func TestMaxBenefitsTakesMaximum(t *testing.T) {
	rules := newTestRules()
	got := rules.MaxBenefits([]domain.Patron{
		{ID: "a", Status: domain.PatronActive, Pledge: 250, PledgeLifetime: 3000},
		{ID: "b", Status: domain.PatronActive, Pledge: 100, PledgeOverride: intPtr(1000), PledgeLifetime: 100},
		{ID: "c", Status: domain.PatronFormer, Pledge: 5000, PledgeLifetime: 9000},
	})
	if !got.ExistsAndIsValid || !got.AllowWebhooks {
		t.Fatalf("ожидали действующего патрона: %+v", got)
	}
	if got.MaxFeeds != 70 || got.MaxUserFeeds != 70 || got.MaxGuilds != 4 {
		t.Fatalf("неожиданные лимиты: %+v", got)
	}
	if got.RefreshRateSeconds == nil || *got.RefreshRateSeconds != 120 {
		t.Fatalf("ожидали частоту 120")
	}
	if !got.AllowCustomPlaceholders || got.MaxPatreonPledge == nil || *got.MaxPatreonPledge != 1000 {
		t.Fatalf("неожиданные флаги: %+v", got)
	}
}

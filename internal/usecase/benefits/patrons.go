package benefits

import (
	"time"

	"feed-scheduler/internal/domain"
)

// declinedGracePeriod — сколько после последнего списания отклонённый платёж ещё даёт привилегии.
const declinedGracePeriod = 4 * 24 * time.Hour

const patronRefreshRateSeconds = 120

// PatronRules вычисляет привилегии по записям Patreon.
type PatronRules struct {
	defaultMaxFeeds     int
	defaultMaxUserFeeds int
	legacyIDs           map[string]struct{}
	now                 func() time.Time
}

// NewPatronRules создаёт правила с лимитами по умолчанию и списком устаревших идентификаторов.
func NewPatronRules(defaultMaxFeeds, defaultMaxUserFeeds int, legacyIDs []string) PatronRules {
	ids := make(map[string]struct{}, len(legacyIDs))
	for _, id := range legacyIDs {
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	return PatronRules{
		defaultMaxFeeds:     defaultMaxFeeds,
		defaultMaxUserFeeds: defaultMaxUserFeeds,
		legacyIDs:           ids,
		now:                 time.Now,
	}
}

// IsValid сообщает, даёт ли запись привилегии.
func (r PatronRules) IsValid(p domain.Patron) bool {
	if p.Pledge <= 0 {
		return false
	}
	switch p.Status {
	case domain.PatronActive:
		return true
	case domain.PatronDeclined:
		if p.LastCharge == nil {
			return false
		}
		return r.now().Sub(*p.LastCharge) <= declinedGracePeriod
	default:
		return false
	}
}

// MaxFeeds возвращает лимит лент по сумме пожертвования.
func (r PatronRules) MaxFeeds(pledge int) int {
	if n, ok := pledgeLadder(pledge); ok {
		return n
	}
	return r.defaultMaxFeeds
}

// MaxUserFeeds возвращает лимит пользовательских лент по сумме пожертвования.
func (r PatronRules) MaxUserFeeds(patronID string, pledge int) int {
	if n, ok := pledgeLadder(pledge); ok {
		return n
	}
	if _, legacy := r.legacyIDs[patronID]; legacy && pledge >= 100 {
		return 5
	}
	return r.defaultMaxUserFeeds
}

func pledgeLadder(pledge int) (int, bool) {
	switch {
	case pledge >= 2000:
		return 140, true
	case pledge >= 1500:
		return 105, true
	case pledge >= 1000:
		return 70, true
	case pledge >= 500:
		return 35, true
	case pledge >= 250:
		return 15, true
	}
	return 0, false
}

// MaxGuilds возвращает число серверов по общей сумме пожертвований.
func (r PatronRules) MaxGuilds(pledgeLifetime int) int {
	switch {
	case pledgeLifetime >= 2500:
		return 4
	case pledgeLifetime >= 1500:
		return 3
	case pledgeLifetime >= 500:
		return 2
	}
	return 1
}

// RefreshRateSeconds возвращает ускоренную частоту или nil, если она не положена.
func (r PatronRules) RefreshRateSeconds(pledge int) *int {
	if pledge >= 500 {
		rate := patronRefreshRateSeconds
		return &rate
	}
	return nil
}

// AllowCustomPlaceholders сообщает, доступны ли пользовательские плейсхолдеры.
func (r PatronRules) AllowCustomPlaceholders(pledge int) bool {
	return pledge >= 500
}

// MaxBenefits сводит привилегии всех действующих записей к максимуму.
func (r PatronRules) MaxBenefits(patrons []domain.Patron) domain.PatronBenefits {
	out := domain.PatronBenefits{
		MaxFeeds:     r.defaultMaxFeeds,
		MaxUserFeeds: r.defaultMaxUserFeeds,
	}
	for _, p := range patrons {
		if !r.IsValid(p) {
			continue
		}
		pledge := p.EffectivePledge()
		if !out.ExistsAndIsValid {
			out.ExistsAndIsValid = true
			out.AllowWebhooks = true
			out.MaxFeeds = 0
			out.MaxUserFeeds = 0
		}
		out.MaxFeeds = max(out.MaxFeeds, r.MaxFeeds(pledge))
		out.MaxUserFeeds = max(out.MaxUserFeeds, r.MaxUserFeeds(p.ID, pledge))
		out.MaxGuilds = max(out.MaxGuilds, r.MaxGuilds(p.PledgeLifetime))
		if out.RefreshRateSeconds == nil {
			out.RefreshRateSeconds = r.RefreshRateSeconds(pledge)
		}
		if r.AllowCustomPlaceholders(pledge) {
			out.AllowCustomPlaceholders = true
		}
		if out.MaxPatreonPledge == nil || pledge > *out.MaxPatreonPledge {
			v := pledge
			out.MaxPatreonPledge = &v
		}
	}
	return out
}

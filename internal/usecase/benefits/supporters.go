package benefits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
)

const (
	// SupporterRefreshRateSeconds — ускоренная частота для ручных поддерживающих.
	SupporterRefreshRateSeconds = 120
	// PastDueGracePeriod отсчитывается от начала расчётного периода.
	PastDueGracePeriod = 10 * 24 * time.Hour

	externalPropertiesMinPledge = 10000
)

// Config задаёт значения привилегий по умолчанию.
type Config struct {
	Enabled                   bool
	DefaultMaxFeeds           int
	DefaultMaxUserFeeds       int
	DefaultRefreshRateSeconds int
	MaxDailyArticlesDefault   int
	MaxDailyArticlesSupporter int
	LegacyPatronIDs           []string
	Roles                     domain.SupporterRoles
	// LookupTimeout ограничивает обращения к внешним сервисам.
	LookupTimeout time.Duration
}

// Service вычисляет привилегии пользователей и серверов.
type Service struct {
	cfg           Config
	patrons       PatronRules
	supporters    domain.SupporterRepo
	subscriptions domain.GuildSubscriptions
	roles         domain.RoleGranter
	log           zerolog.Logger
	now           func() time.Time
}

// NewService создаёт сервис привилегий. subscriptions и roles могут быть nil.
func NewService(cfg Config, supporters domain.SupporterRepo, subscriptions domain.GuildSubscriptions, roles domain.RoleGranter, logger zerolog.Logger) *Service {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 10 * time.Second
	}
	return &Service{
		cfg:           cfg,
		patrons:       NewPatronRules(cfg.DefaultMaxFeeds, cfg.DefaultMaxUserFeeds, cfg.LegacyPatronIDs),
		supporters:    supporters,
		subscriptions: subscriptions,
		roles:         roles,
		log:           logger,
		now:           time.Now,
	}
}

// DefaultRefreshRateSeconds возвращает частоту для лент без привилегий.
func (s *Service) DefaultRefreshRateSeconds() int {
	return s.cfg.DefaultRefreshRateSeconds
}

// DefaultMaxUserFeeds возвращает лимит пользовательских лент по умолчанию.
func (s *Service) DefaultMaxUserFeeds() int {
	return s.cfg.DefaultMaxUserFeeds
}

// MaxDailyArticlesDefault возвращает дневной лимит статей по умолчанию.
func (s *Service) MaxDailyArticlesDefault() int {
	return s.cfg.MaxDailyArticlesDefault
}

func (s *Service) subscriptionValid(sub *domain.SupporterSubscription) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case domain.SubscriptionActive:
		return true
	case domain.SubscriptionPastDue:
		return s.now().Before(sub.BillingPeriodStart.Add(PastDueGracePeriod))
	}
	return false
}

// IsValidSupporter сообщает, действуют ли привилегии записи.
func (s *Service) IsValidSupporter(sup domain.Supporter) bool {
	if s.subscriptionValid(sup.Subscription) {
		return true
	}
	if sup.ExpireAt != nil && sup.ExpireAt.After(s.now()) {
		return true
	}
	for _, p := range sup.Patrons {
		if s.patrons.IsValid(p) {
			return true
		}
	}
	return false
}

func (s *Service) defaultSupporterBenefits() domain.SupporterBenefits {
	return domain.SupporterBenefits{
		Source:                  domain.BenefitSourceDefault,
		MaxFeeds:                s.cfg.DefaultMaxFeeds,
		MaxUserFeeds:            s.cfg.DefaultMaxUserFeeds,
		MaxUserFeedsComposition: domain.UserFeedsComposition{Base: s.cfg.DefaultMaxUserFeeds},
		RefreshRateSeconds:      s.cfg.DefaultRefreshRateSeconds,
		DailyArticleLimit:       s.cfg.MaxDailyArticlesDefault,
	}
}

// BenefitsFromSupporter вычисляет привилегии одной записи поддерживающего.
// Для недействительной записи переопределения не применяются.
func (s *Service) BenefitsFromSupporter(sup domain.Supporter) domain.SupporterBenefits {
	if !s.IsValidSupporter(sup) {
		return s.defaultSupporterBenefits()
	}

	patron := s.patrons.MaxBenefits(sup.Patrons)
	// Подписка за пределами льготного периода не даёт привилегий, даже если запись
	// действует благодаря expireAt или патрону.
	var sub *domain.SupporterSubscription
	if s.subscriptionValid(sup.Subscription) {
		sub = sup.Subscription
	}
	fromPatrons := sup.Patron && len(sup.Patrons) > 0

	refreshRate := s.cfg.DefaultRefreshRateSeconds
	switch {
	case sub != nil:
		refreshRate = sub.Benefits.RefreshRateSeconds
		fromPatrons = false
	case sup.SlowRate:
		refreshRate = s.cfg.DefaultRefreshRateSeconds
	case fromPatrons:
		if patron.ExistsAndIsValid && patron.RefreshRateSeconds != nil {
			refreshRate = *patron.RefreshRateSeconds
		}
	default:
		refreshRate = SupporterRefreshRateSeconds
	}

	var allowPlaceholders, allowExternal bool
	if sub != nil {
		allowPlaceholders = true
		allowExternal = sub.ProductKey != domain.ProductFree && sub.ProductKey != domain.ProductTier1
	} else if fromPatrons && patron.ExistsAndIsValid {
		allowPlaceholders = patron.AllowCustomPlaceholders
		allowExternal = patron.MaxPatreonPledge != nil && *patron.MaxPatreonPledge > externalPropertiesMinPledge
	}

	base := s.cfg.DefaultMaxUserFeeds
	switch {
	case sub != nil:
		base = sub.Benefits.MaxUserFeeds
	case sup.MaxUserFeeds != nil && *sup.MaxUserFeeds > 0:
		base = *sup.MaxUserFeeds
	}
	base = max(base, patron.MaxUserFeeds)

	dailyLimit := s.cfg.MaxDailyArticlesDefault
	if sub != nil {
		dailyLimit = sub.Benefits.DailyArticleLimit
	} else if fromPatrons && patron.ExistsAndIsValid {
		dailyLimit = s.cfg.MaxDailyArticlesSupporter
	}

	source := domain.BenefitSourceManual
	switch {
	case sub != nil && sub.Status != "":
		source = domain.BenefitSourcePaddle
	case patron.ExistsAndIsValid:
		source = domain.BenefitSourcePatron
	}

	isSupporter := true
	if fromPatrons {
		isSupporter = patron.ExistsAndIsValid
	}

	webhooks := true
	if sub != nil && sub.Benefits.AllowWebhooks != nil {
		webhooks = *sub.Benefits.AllowWebhooks
	}

	maxFeeds := s.cfg.DefaultMaxFeeds
	if sup.MaxFeeds != nil {
		maxFeeds = *sup.MaxFeeds
	}
	maxGuilds := 1
	if sup.MaxGuilds != nil {
		maxGuilds = *sup.MaxGuilds
	}
	maxPledge := 0
	if patron.MaxPatreonPledge != nil {
		maxPledge = *patron.MaxPatreonPledge
	}

	return domain.SupporterBenefits{
		Source:                  source,
		IsSupporter:             isSupporter,
		MaxFeeds:                max(maxFeeds, patron.MaxFeeds),
		MaxUserFeeds:            base + sup.AdditionalUserFeeds,
		MaxUserFeedsComposition: domain.UserFeedsComposition{Base: base, Legacy: sup.AdditionalUserFeeds},
		MaxGuilds:               max(maxGuilds, patron.MaxGuilds),
		RefreshRateSeconds:      refreshRate,
		Webhooks:                webhooks,
		AllowCustomPlaceholders: sup.AllowCustomPlaceholders || allowPlaceholders,
		AllowExternalProperties: allowExternal,
		DailyArticleLimit:       dailyLimit,
		MaxPatreonPledge:        maxPledge,
	}
}

func (s *Service) maxDailyArticles(b domain.SupporterBenefits) int {
	if b.Source == domain.BenefitSourcePaddle && b.DailyArticleLimit > 0 {
		return b.DailyArticleLimit
	}
	if b.IsSupporter {
		return s.cfg.MaxDailyArticlesSupporter
	}
	return s.cfg.MaxDailyArticlesDefault
}

// GetBenefitsOfDiscordUser возвращает привилегии пользователя.
func (s *Service) GetBenefitsOfDiscordUser(ctx context.Context, discordUserID string) (domain.UserBenefits, error) {
	if !s.cfg.Enabled {
		return domain.UserBenefits{
			Source:                  domain.BenefitSourceDefault,
			IsSupporter:             true,
			MaxFeeds:                s.cfg.DefaultMaxFeeds,
			RefreshRateSeconds:      s.cfg.DefaultRefreshRateSeconds,
			MaxDailyArticles:        s.cfg.MaxDailyArticlesDefault,
			MaxUserFeeds:            s.cfg.DefaultMaxUserFeeds,
			MaxUserFeedsComposition: domain.UserFeedsComposition{Base: s.cfg.DefaultMaxUserFeeds},
			AllowCustomPlaceholders: true,
			AllowExternalProperties: true,
		}, nil
	}

	sup, err := s.supporters.FindSupporter(ctx, discordUserID)
	if errors.Is(err, domain.ErrNotFound) {
		override, err := s.supporters.FindFeedLimitOverride(ctx, discordUserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.UserBenefits{}, fmt.Errorf("find feed limit override: %w", err)
		}
		base := s.cfg.DefaultMaxUserFeeds
		legacy := override.AdditionalUserFeeds
		return domain.UserBenefits{
			Source:                  domain.BenefitSourceDefault,
			MaxFeeds:                s.cfg.DefaultMaxFeeds,
			RefreshRateSeconds:      s.cfg.DefaultRefreshRateSeconds,
			MaxDailyArticles:        s.cfg.MaxDailyArticlesDefault,
			MaxUserFeeds:            base + legacy,
			MaxUserFeedsComposition: domain.UserFeedsComposition{Base: base, Legacy: legacy},
		}, nil
	}
	if err != nil {
		return domain.UserBenefits{}, fmt.Errorf("find supporter: %w", err)
	}

	b := s.BenefitsFromSupporter(sup)
	out := domain.UserBenefits{
		Source:                  b.Source,
		IsSupporter:             b.IsSupporter,
		MaxFeeds:                b.MaxFeeds,
		Guilds:                  sup.Guilds,
		MaxGuilds:               b.MaxGuilds,
		ExpireAt:                sup.ExpireAt,
		RefreshRateSeconds:      b.RefreshRateSeconds,
		MaxDailyArticles:        s.maxDailyArticles(b),
		MaxUserFeeds:            b.MaxUserFeeds,
		MaxUserFeedsComposition: b.MaxUserFeedsComposition,
		AllowCustomPlaceholders: b.AllowCustomPlaceholders,
		AllowExternalProperties: b.AllowExternalProperties,
		MaxPatreonPledge:        b.MaxPatreonPledge,
	}
	if b.Source == domain.BenefitSourcePaddle && sup.Subscription != nil {
		out.Subscription = &domain.SubscriptionSummary{
			ProductKey: sup.Subscription.ProductKey,
			Status:     sup.Subscription.Status,
		}
	}
	return out, nil
}

// GetBenefitsOfAllDiscordUsers возвращает привилегии всех поддерживающих и пользователей
// с устаревшей добавкой к лимиту.
func (s *Service) GetBenefitsOfAllDiscordUsers(ctx context.Context) ([]domain.DiscordUserBenefits, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	supporters, err := s.supporters.ListSupporters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list supporters: %w", err)
	}
	ids := make([]string, 0, len(supporters))
	out := make([]domain.DiscordUserBenefits, 0, len(supporters))
	for _, sup := range supporters {
		b := s.BenefitsFromSupporter(sup)
		ids = append(ids, sup.ID)
		out = append(out, domain.DiscordUserBenefits{
			DiscordUserID:      sup.ID,
			Source:             b.Source,
			IsSupporter:        b.IsSupporter,
			RefreshRateSeconds: b.RefreshRateSeconds,
			MaxDailyArticles:   s.maxDailyArticles(b),
			MaxUserFeeds:       b.MaxUserFeeds,
			MaxPatreonPledge:   b.MaxPatreonPledge,
		})
	}

	overrides, err := s.supporters.ListFeedLimitOverridesExcept(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list feed limit overrides: %w", err)
	}
	for _, o := range overrides {
		out = append(out, domain.DiscordUserBenefits{
			DiscordUserID:      o.DiscordUserID,
			Source:             domain.BenefitSourceDefault,
			RefreshRateSeconds: s.cfg.DefaultRefreshRateSeconds,
			MaxDailyArticles:   s.cfg.MaxDailyArticlesDefault,
			MaxUserFeeds:       s.cfg.DefaultMaxUserFeeds + o.AdditionalUserFeeds,
		})
	}
	return out, nil
}

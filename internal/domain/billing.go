package domain

import "time"

// PatronStatus описывает статус подписки на Patreon.
type PatronStatus string

const (
	PatronActive   PatronStatus = "active"
	PatronDeclined PatronStatus = "declined"
	PatronFormer   PatronStatus = "former"
)

// Patron — внешняя запись о пожертвованиях.
type Patron struct {
	ID             string
	Status         PatronStatus
	Pledge         int
	PledgeLifetime int
	PledgeOverride *int
	LastCharge     *time.Time
}

// EffectivePledge учитывает ручное переопределение суммы.
func (p Patron) EffectivePledge() int {
	if p.PledgeOverride != nil {
		return *p.PledgeOverride
	}
	return p.Pledge
}

// SubscriptionStatus описывает состояние платной подписки.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// SubscriptionProductKey — тариф платной подписки.
type SubscriptionProductKey string

const (
	ProductFree  SubscriptionProductKey = "free"
	ProductTier1 SubscriptionProductKey = "tier1"
	ProductTier2 SubscriptionProductKey = "tier2"
	ProductTier3 SubscriptionProductKey = "tier3"
)

// SubscriptionBenefits — снимок возможностей, купленных по подписке.
type SubscriptionBenefits struct {
	MaxUserFeeds       int   `json:"maxUserFeeds"`
	AllowWebhooks      *bool `json:"allowWebhooks,omitempty"`
	DailyArticleLimit  int   `json:"dailyArticleLimit"`
	RefreshRateSeconds int   `json:"refreshRateSeconds"`
}

// SupporterSubscription — платная подписка, привязанная к поддерживающему.
type SupporterSubscription struct {
	ID                 string                 `json:"id"`
	ProductKey         SubscriptionProductKey `json:"productKey"`
	Status             SubscriptionStatus     `json:"status"`
	BillingPeriodStart time.Time              `json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time              `json:"billingPeriodEnd"`
	Benefits           SubscriptionBenefits   `json:"benefits"`
}

// Supporter — запись о привилегиях пользователя Discord.
type Supporter struct {
	ID                      string
	Patron                  bool
	Guilds                  []string
	MaxFeeds                *int
	MaxGuilds               *int
	MaxUserFeeds            *int
	ExpireAt                *time.Time
	SlowRate                bool
	AllowCustomPlaceholders bool
	Subscription            *SupporterSubscription
	Patrons                 []Patron
	// AdditionalUserFeeds — устаревшая добавка к лимиту лент.
	AdditionalUserFeeds int
}

// GuildSupporter связывает поддерживающего с сервером.
type GuildSupporter struct {
	GuildID   string
	Supporter Supporter
}

// GuildSubscriptionBaseFeeds — базовое число лент по подписке сервера.
const GuildSubscriptionBaseFeeds = 5

// GuildSubscription — подписка сервера из внешнего сервиса.
type GuildSubscription struct {
	GuildID                  string
	ExtraFeeds               int
	RefreshRateSeconds       int
	ExpireAt                 *time.Time
	IgnoreRefreshRateBenefit bool
}

// Active сообщает, действует ли подписка на момент now.
func (s GuildSubscription) Active(now time.Time) bool {
	return s.ExpireAt == nil || s.ExpireAt.After(now)
}

// BenefitSource указывает, откуда получены привилегии.
type BenefitSource string

const (
	BenefitSourcePaddle  BenefitSource = "paddle"
	BenefitSourcePatron  BenefitSource = "patron"
	BenefitSourceManual  BenefitSource = "manual"
	BenefitSourceDefault BenefitSource = "default"
)

// UserFeedsComposition раскладывает лимит лент на базовую часть и устаревшую добавку.
type UserFeedsComposition struct {
	Base   int
	Legacy int
}

// PatronBenefits — максимум привилегий по всем действующим записям Patreon.
type PatronBenefits struct {
	ExistsAndIsValid        bool
	MaxFeeds                int
	MaxUserFeeds            int
	MaxGuilds               int
	RefreshRateSeconds      *int
	AllowWebhooks           bool
	AllowCustomPlaceholders bool
	MaxPatreonPledge        *int
}

// SupporterBenefits — привилегии одной записи поддерживающего.
type SupporterBenefits struct {
	Source                  BenefitSource
	IsSupporter             bool
	MaxFeeds                int
	MaxUserFeeds            int
	MaxUserFeedsComposition UserFeedsComposition
	MaxGuilds               int
	RefreshRateSeconds      int
	Webhooks                bool
	AllowCustomPlaceholders bool
	AllowExternalProperties bool
	DailyArticleLimit       int
	MaxPatreonPledge        int
}

// ServerBenefits — привилегии сервера Discord.
type ServerBenefits struct {
	ServerID           string
	HasSupporter       bool
	MaxFeeds           int
	Webhooks           bool
	RefreshRateSeconds *int
}

// SubscriptionSummary — краткие сведения о подписке пользователя.
type SubscriptionSummary struct {
	ProductKey SubscriptionProductKey
	Status     SubscriptionStatus
}

// UserBenefits — привилегии пользователя Discord.
type UserBenefits struct {
	Source                  BenefitSource
	IsSupporter             bool
	MaxFeeds                int
	Guilds                  []string
	MaxGuilds               int
	ExpireAt                *time.Time
	RefreshRateSeconds      int
	MaxDailyArticles        int
	MaxUserFeeds            int
	MaxUserFeedsComposition UserFeedsComposition
	AllowCustomPlaceholders bool
	AllowExternalProperties bool
	Subscription            *SubscriptionSummary
	MaxPatreonPledge        int
}

// DiscordUserBenefits — сокращённые привилегии для массовой обработки.
type DiscordUserBenefits struct {
	DiscordUserID      string
	Source             BenefitSource
	IsSupporter        bool
	RefreshRateSeconds int
	MaxDailyArticles   int
	MaxUserFeeds       int
	MaxPatreonPledge   int
}

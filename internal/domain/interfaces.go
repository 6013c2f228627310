package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound возвращается, когда запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAppRevoked возвращается, когда пользователь отозвал доступ приложения у провайдера OAuth.
	ErrAppRevoked = errors.New("oauth application revoked")
	// ErrEncryptionKeyMissing возвращается, когда не задан ключ шифрования учётных данных.
	ErrEncryptionKeyMissing = errors.New("encryption key is not configured")
)

// DueFeedQuery описывает выборку лент, попавших в окно слота.
type DueFeedQuery struct {
	RateSeconds   int
	Window        SlotWindow
	WithLookupKey bool
	BatchSize     int
}

// FeedRepo хранит ленты и их состояние.
type FeedRepo interface {
	GetDistinctRefreshRates(ctx context.Context) (DistinctRefreshRates, error)
	// IterateDueFeeds постранично отдаёт активные ленты частоты, чей слот попал в окно.
	IterateDueFeeds(ctx context.Context, q DueFeedQuery, fn func([]DueFeed) error) error
	FindByID(ctx context.Context, id string) (Feed, error)
	// IterateDeliverableFeeds отдаёт активные ленты с активными каналами по ключу запроса и частоте.
	IterateDeliverableFeeds(ctx context.Context, key RequestKey, rateSeconds int, fn func(Feed) error) error

	ListRateStates(ctx context.Context, afterID string, limit int) ([]FeedRateState, error)
	UpdateRefreshRate(ctx context.Context, feedID string, rateSeconds int, slotOffsetMs *int64) error
	ListMissingSlotOffset(ctx context.Context, afterID string, limit int) ([]FeedRateState, error)
	BulkUpdateSlotOffsets(ctx context.Context, updates []SlotOffsetUpdate) error
	BulkUpdateLookupKeys(ctx context.Context, updates []LookupKeyUpdate) error
	SetMaxDailyArticles(ctx context.Context, discordUserID string, limit int) (int64, error)
	ResetMaxDailyArticlesExcept(ctx context.Context, discordUserIDs []string, limit int) (int64, error)

	// SetHealthStatus меняет состояние только у лент, где оно отличается.
	SetHealthStatus(ctx context.Context, key RequestKey, status FeedHealthStatus) (int64, error)
	// DisableByRequestKey отключает ещё не отключённые ленты и возвращает их идентификаторы.
	DisableByRequestKey(ctx context.Context, key RequestKey, code FeedDisabledCode, health FeedHealthStatus) ([]string, error)
	DisableByID(ctx context.Context, feedID string, code FeedDisabledCode) (bool, error)
	DisableConnection(ctx context.Context, feedID, connectionID string, code ConnectionDisabledCode, detail string) (bool, error)

	IterateFeedOwnership(ctx context.Context, pageSize int, fn func(FeedOwnership) error) error
	DisableFeeds(ctx context.Context, feedIDs []string, code FeedDisabledCode) (int64, error)
	EnableFeeds(ctx context.Context, feedIDs []string, code FeedDisabledCode) (int64, error)
}

// FailRecordRepo хранит записи об ошибках получения.
type FailRecordRepo interface {
	// UpsertFailRecord создаёт запись или обновляет причину, сохраняя время первой ошибки.
	UpsertFailRecord(ctx context.Context, key RequestKey, reason string, now time.Time) (FailRecord, error)
	DeleteFailRecord(ctx context.Context, key RequestKey) error
	ListFailedRecords(ctx context.Context, failedBefore time.Time) ([]FailRecord, error)
	MarkFailRecordAlerted(ctx context.Context, key RequestKey) error
}

// SupporterRepo читает поддерживающих вместе с их записями Patreon.
type SupporterRepo interface {
	FindSupporter(ctx context.Context, discordUserID string) (Supporter, error)
	ListGuildSupporters(ctx context.Context, guildIDs []string) ([]GuildSupporter, error)
	ListSupporters(ctx context.Context) ([]Supporter, error)
	FindFeedLimitOverride(ctx context.Context, discordUserID string) (FeedLimitOverride, error)
	ListFeedLimitOverridesExcept(ctx context.Context, discordUserIDs []string) ([]FeedLimitOverride, error)
}

// ScheduleRepo отдаёт расписания в естественном порядке хранилища.
type ScheduleRepo interface {
	ListSchedules(ctx context.Context) ([]Schedule, error)
}

// UserRepo хранит внешние учётные данные пользователей.
type UserRepo interface {
	ListExpiringRedditCredentials(ctx context.Context, expireBefore time.Time, afterUserID string, limit int) ([]RedditCredential, error)
	SaveRedditCredential(ctx context.Context, cred RedditCredential) error
	RevokeRedditCredential(ctx context.Context, discordUserID string) (bool, error)
	FindRedditCredentials(ctx context.Context, discordUserIDs []string) (map[string]RedditCredential, error)
	// ListLookupKeyCandidates отдаёт ленты Reddit пользователей с действующими (active=true)
	// либо истёкшими или отозванными (active=false) учётными данными.
	ListLookupKeyCandidates(ctx context.Context, discordUserIDs []string, active bool, now time.Time) ([]LookupKeyCandidate, error)
}

// GuildSubscriptions — внешний сервис подписок серверов.
type GuildSubscriptions interface {
	GetSubscriptions(ctx context.Context, guildIDs []string) ([]GuildSubscription, error)
}

// TokenRefresher обновляет токены у провайдера OAuth.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (OAuthToken, error)
}

// RoleGranter управляет ролями участников сервера Discord.
type RoleGranter interface {
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Publisher публикует сообщения в долговечные очереди.
type Publisher interface {
	Publish(ctx context.Context, queue Queue, payload any, opts PublishOptions) error
}

// WindowLock гарантирует однократную обработку окна планировщика.
type WindowLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Sealer шифрует и расшифровывает секреты.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

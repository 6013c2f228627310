package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Queue — имя долговечной очереди брокера.
type Queue string

const (
	QueueURLFetchBatch                        Queue = "url.fetch.batch"
	QueueURLFetchCompleted                    Queue = "url.fetch.completed"
	QueueURLFailing                           Queue = "url.failing"
	QueueURLFailedDisableFeeds                Queue = "url.failed.disable-feeds"
	QueueURLRejectedDisableFeeds              Queue = "url.rejected.disable-feeds"
	QueueFeedRejectedDisableFeed              Queue = "feed.rejected.disable-feed"
	QueueFeedRejectedArticleDisableConnection Queue = "feed.rejected-article.disable-connection"
	QueueSyncSupporterDiscordRoles            Queue = "sync-supporter-discord-roles"
	QueueFeedDeliverArticles                  Queue = "feed.deliver-articles"
	QueueFeedDisabledAlert                    Queue = "feed.disabled-alert"
)

// Envelope — обёртка сообщения брокера.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Debug     bool            `json:"debug,omitempty"`
}

// AckPolicy определяет подтверждение сообщения после обработки.
type AckPolicy int

const (
	// AckAlways подтверждает сообщение даже при ошибке обработчика.
	AckAlways AckPolicy = iota
	// AckOnSuccessRequeueOnFailure возвращает сообщение в очередь при ошибке.
	AckOnSuccessRequeueOnFailure
)

// MessageHandler обрабатывает одно сообщение очереди.
type MessageHandler func(ctx context.Context, env Envelope) error

// PublishOptions задаёт параметры публикации.
type PublishOptions struct {
	// Expiration — время жизни сообщения в очереди, ноль означает без ограничения.
	Expiration time.Duration
	Debug      bool
}

// URLFetchRequest — один URL в пакете на загрузку.
type URLFetchRequest struct {
	URL       string            `json:"url"`
	LookupKey string            `json:"lookupKey,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// URLFetchBatch — пакет URL одной частоты обновления.
type URLFetchBatch struct {
	RateSeconds int               `json:"rateSeconds"`
	Data        []URLFetchRequest `json:"data"`
}

// FetchStatusRefusedLargeFeed — источник отказался загружать слишком большую ленту.
const FetchStatusRefusedLargeFeed = "refused-large-feed"

// URLEvent — результат загрузки URL.
type URLEvent struct {
	URL         string `json:"url"`
	LookupKey   string `json:"lookupKey,omitempty"`
	RateSeconds int    `json:"rateSeconds,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Debug       bool   `json:"debug,omitempty"`
}

// Key возвращает ключ сопоставления лент.
func (e URLEvent) Key() RequestKey {
	return RequestKey{URL: e.URL, LookupKey: e.LookupKey}
}

// EntityRef ссылается на сущность по идентификатору.
type EntityRef struct {
	ID string `json:"id"`
}

// FeedRejectCode — причина отказа в обработке отдельной ленты.
type FeedRejectCode string

const (
	FeedRejectInvalidFeed       FeedRejectCode = "user-feeds/invalid-feed"
	FeedRejectTooLarge          FeedRejectCode = "user-feeds/feed-too-large"
	FeedRejectExcessivelyActive FeedRejectCode = "user-feeds/excessively-active"
)

// DisabledCode сопоставляет причину отказа коду отключения ленты.
func (c FeedRejectCode) DisabledCode() FeedDisabledCode {
	switch c {
	case FeedRejectTooLarge:
		return FeedDisabledTooLarge
	case FeedRejectExcessivelyActive:
		return FeedDisabledExcessivelyActive
	default:
		return FeedDisabledInvalidFeed
	}
}

// ArticleRejectCode — причина отказа канала в доставке статьи.
type ArticleRejectCode string

const (
	ArticleRejectBadRequest     ArticleRejectCode = "user-feeds/bad-request"
	ArticleRejectForbidden      ArticleRejectCode = "user-feeds/forbidden"
	ArticleRejectMediumNotFound ArticleRejectCode = "user-feeds/medium-not-found"
)

// DisabledCode сопоставляет причину отказа коду отключения канала.
func (c ArticleRejectCode) DisabledCode() ConnectionDisabledCode {
	switch c {
	case ArticleRejectBadRequest:
		return ConnectionDisabledBadFormat
	case ArticleRejectForbidden:
		return ConnectionDisabledMissingPermissions
	case ArticleRejectMediumNotFound:
		return ConnectionDisabledMissingMedium
	default:
		return ConnectionDisabledUnknown
	}
}

// FeedRejectedEvent — отказ в обработке одной ленты.
type FeedRejectedEvent struct {
	RejectedCode FeedRejectCode `json:"rejectedCode"`
	Feed         EntityRef      `json:"feed"`
}

// ArticleRejectedEvent — отказ канала в доставке статьи.
type ArticleRejectedEvent struct {
	RejectedCode    ArticleRejectCode `json:"rejectedCode"`
	RejectedMessage string            `json:"rejectedMessage,omitempty"`
	ArticleID       string            `json:"articleId,omitempty"`
	Medium          EntityRef         `json:"medium"`
	Feed            EntityRef         `json:"feed"`
}

// SyncSupporterRolesEvent запрашивает синхронизацию ролей пользователя.
type SyncSupporterRolesEvent struct {
	UserID string `json:"userId"`
}

// DeliveryMedium — канал доставки в событии на отправку статей.
type DeliveryMedium struct {
	ID                 string `json:"id"`
	Key                string `json:"key"`
	GuildID            string `json:"guildId"`
	ChannelID          string `json:"channelId,omitempty"`
	WebhookID          string `json:"webhookId,omitempty"`
	CustomPlaceholders bool   `json:"customPlaceholders"`
}

// DeliveryFeed — лента в событии на отправку статей.
type DeliveryFeed struct {
	ID                 string          `json:"id"`
	URL                string          `json:"url"`
	LookupKey          string          `json:"lookupKey,omitempty"`
	ExternalProperties json.RawMessage `json:"externalProperties,omitempty"`
}

// DeliverArticlesEvent запрашивает доставку новых статей ленты.
type DeliverArticlesEvent struct {
	ArticleDayLimit int              `json:"articleDayLimit"`
	Feed            DeliveryFeed     `json:"feed"`
	Mediums         []DeliveryMedium `json:"mediums"`
}

// DisabledFeedsAlert сообщает об автоматическом отключении лент или каналов.
type DisabledFeedsAlert struct {
	FeedIDs         []string `json:"feedIds"`
	DisabledCode    string   `json:"disabledCode"`
	ConnectionID    string   `json:"connectionId,omitempty"`
	ArticleID       string   `json:"articleId,omitempty"`
	RejectedMessage string   `json:"rejectedMessage,omitempty"`
}

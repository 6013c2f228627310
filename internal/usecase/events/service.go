package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// DeliveryExpiration — время жизни события доставки статей в очереди.
const DeliveryExpiration = 10 * time.Minute

// UserBenefits отдаёт привилегии владельца ленты.
type UserBenefits interface {
	GetBenefitsOfDiscordUser(ctx context.Context, discordUserID string) (domain.UserBenefits, error)
}

// RoleSyncer синхронизирует роли поддерживающих.
type RoleSyncer interface {
	SyncDiscordSupporterRoles(ctx context.Context, discordUserID string) error
}

// Service применяет результаты загрузки и отказы к состоянию лент.
// Все обработчики идемпотентны: изменения выполняются только при отличии состояния.
type Service struct {
	feeds     domain.FeedRepo
	fails     domain.FailRecordRepo
	benefits  UserBenefits
	roles     RoleSyncer
	publisher domain.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт обработчики событий.
func NewService(feeds domain.FeedRepo, fails domain.FailRecordRepo, benefits UserBenefits, roles RoleSyncer, publisher domain.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		feeds:     feeds,
		fails:     fails,
		benefits:  benefits,
		roles:     roles,
		publisher: publisher,
		log:       logger.With().Str("component", "events").Logger(),
		now:       time.Now,
	}
}

// Binding связывает очередь с обработчиком и политикой подтверждения.
type Binding struct {
	Queue   domain.Queue
	Policy  domain.AckPolicy
	Handler domain.MessageHandler
}

// Policies возвращает политику подтверждения для каждой очереди.
// Потерянные при ошибке сообщения компенсирует обслуживание.
func Policies() map[domain.Queue]domain.AckPolicy {
	return map[domain.Queue]domain.AckPolicy{
		domain.QueueURLFetchCompleted:                    domain.AckAlways,
		domain.QueueURLFailing:                           domain.AckAlways,
		domain.QueueURLFailedDisableFeeds:                domain.AckAlways,
		domain.QueueURLRejectedDisableFeeds:              domain.AckAlways,
		domain.QueueFeedRejectedDisableFeed:              domain.AckAlways,
		domain.QueueFeedRejectedArticleDisableConnection: domain.AckAlways,
		domain.QueueSyncSupporterDiscordRoles:            domain.AckAlways,
	}
}

// Bindings возвращает обработчики всех очередей.
func (s *Service) Bindings() []Binding {
	policies := Policies()
	handlers := []struct {
		queue   domain.Queue
		handler domain.MessageHandler
	}{
		{domain.QueueURLFetchCompleted, decode(s.HandleURLFetchCompleted)},
		{domain.QueueURLFailing, decode(s.HandleURLFailing)},
		{domain.QueueURLFailedDisableFeeds, decode(s.HandleURLFailedDisableFeeds)},
		{domain.QueueURLRejectedDisableFeeds, decode(s.HandleURLRejectedDisableFeeds)},
		{domain.QueueFeedRejectedDisableFeed, decode(s.HandleFeedRejected)},
		{domain.QueueFeedRejectedArticleDisableConnection, decode(s.HandleArticleRejected)},
		{domain.QueueSyncSupporterDiscordRoles, decode(s.HandleSyncSupporterRoles)},
	}
	out := make([]Binding, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, Binding{Queue: h.queue, Policy: policies[h.queue], Handler: h.handler})
	}
	return out
}

func decode[T any](fn func(context.Context, T) error) domain.MessageHandler {
	return func(ctx context.Context, env domain.Envelope) error {
		var payload T
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return fn(ctx, payload)
	}
}

// HandleURLFetchCompleted снимает признаки ошибки и ставит доставку статей.
func (s *Service) HandleURLFetchCompleted(ctx context.Context, ev domain.URLEvent) error {
	key := ev.Key()
	if _, err := s.feeds.SetHealthStatus(ctx, key, domain.FeedHealthOK); err != nil {
		return fmt.Errorf("set health ok: %w", err)
	}
	if err := s.fails.DeleteFailRecord(ctx, key); err != nil {
		return fmt.Errorf("delete fail record: %w", err)
	}

	owners := make(map[string]domain.UserBenefits)
	delivered := 0
	err := s.feeds.IterateDeliverableFeeds(ctx, key, ev.RateSeconds, func(feed domain.Feed) error {
		b, ok := owners[feed.DiscordUserID]
		if !ok {
			var err error
			b, err = s.benefits.GetBenefitsOfDiscordUser(ctx, feed.DiscordUserID)
			if err != nil {
				return fmt.Errorf("get benefits of %s: %w", feed.DiscordUserID, err)
			}
			owners[feed.DiscordUserID] = b
		}
		event := deliveryEvent(feed, b)
		if len(event.Mediums) == 0 {
			return nil
		}
		opts := domain.PublishOptions{Expiration: DeliveryExpiration, Debug: ev.Debug || feed.Debug}
		if err := s.publisher.Publish(ctx, domain.QueueFeedDeliverArticles, event, opts); err != nil {
			return fmt.Errorf("publish delivery of %s: %w", feed.ID, err)
		}
		delivered++
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate deliverable feeds: %w", err)
	}
	s.log.Debug().Str("key", key.String()).Int("feeds", delivered).Msg("events: доставка статей поставлена в очередь")
	return nil
}

func deliveryEvent(feed domain.Feed, b domain.UserBenefits) domain.DeliverArticlesEvent {
	limit := feed.MaxDailyArticles
	if limit <= 0 {
		limit = b.MaxDailyArticles
	}
	event := domain.DeliverArticlesEvent{
		ArticleDayLimit: limit,
		Feed: domain.DeliveryFeed{
			ID:        feed.ID,
			URL:       feed.URL,
			LookupKey: feed.LookupKey,
		},
	}
	if b.AllowExternalProperties {
		event.Feed.ExternalProperties = feed.ExternalProperties
	}
	for _, conn := range feed.Connections {
		if conn.DisabledCode != "" {
			continue
		}
		key := "discord-channel"
		if conn.WebhookID != "" {
			key = "discord-webhook"
		}
		event.Mediums = append(event.Mediums, domain.DeliveryMedium{
			ID:                 conn.ID,
			Key:                key,
			GuildID:            conn.GuildID,
			ChannelID:          conn.ChannelID,
			WebhookID:          conn.WebhookID,
			CustomPlaceholders: conn.HasCustomPlaceholders && b.AllowCustomPlaceholders,
		})
	}
	return event
}

// HandleURLFailing обновляет запись об ошибке и отключает ленты, если ошибка стала устойчивой.
func (s *Service) HandleURLFailing(ctx context.Context, ev domain.URLEvent) error {
	key := ev.Key()
	now := s.now()
	record, err := s.fails.UpsertFailRecord(ctx, key, ev.Reason, now)
	if err != nil {
		return fmt.Errorf("upsert fail record: %w", err)
	}
	if _, err := s.feeds.SetHealthStatus(ctx, key, domain.FeedHealthFailing); err != nil {
		return fmt.Errorf("set health failing: %w", err)
	}
	if !record.HasFailed(now) {
		return nil
	}
	return s.disableFailed(ctx, key)
}

// HandleURLFailedDisableFeeds отключает ленты с устойчивой ошибкой.
func (s *Service) HandleURLFailedDisableFeeds(ctx context.Context, ev domain.URLEvent) error {
	return s.disableFailed(ctx, ev.Key())
}

func (s *Service) disableFailed(ctx context.Context, key domain.RequestKey) error {
	ids, err := s.feeds.DisableByRequestKey(ctx, key, domain.FeedDisabledFailedRequests, domain.FeedHealthFailed)
	if err != nil {
		return fmt.Errorf("disable feeds: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	metrics.AddFeedsDisabled(string(domain.FeedDisabledFailedRequests), len(ids))
	s.log.Info().Str("key", key.String()).Strs("feeds", ids).Msg("events: ленты отключены из-за устойчивой ошибки")
	if s.alert(ctx, domain.DisabledFeedsAlert{FeedIDs: ids, DisabledCode: string(domain.FeedDisabledFailedRequests)}) {
		if err := s.fails.MarkFailRecordAlerted(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key.String()).Msg("events: не удалось отметить уведомление")
		}
	}
	return nil
}

// HandleURLRejectedDisableFeeds отключает ленты, которые источник отказался загружать.
func (s *Service) HandleURLRejectedDisableFeeds(ctx context.Context, ev domain.URLEvent) error {
	if ev.Status != domain.FetchStatusRefusedLargeFeed {
		s.log.Debug().Str("url", ev.URL).Str("status", ev.Status).Msg("events: неизвестный статус отказа, пропускаем")
		return nil
	}
	ids, err := s.feeds.DisableByRequestKey(ctx, ev.Key(), domain.FeedDisabledTooLarge, "")
	if err != nil {
		return fmt.Errorf("disable feeds: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	metrics.AddFeedsDisabled(string(domain.FeedDisabledTooLarge), len(ids))
	s.alert(ctx, domain.DisabledFeedsAlert{FeedIDs: ids, DisabledCode: string(domain.FeedDisabledTooLarge)})
	return nil
}

// HandleFeedRejected отключает одну ленту.
func (s *Service) HandleFeedRejected(ctx context.Context, ev domain.FeedRejectedEvent) error {
	feed, err := s.feeds.FindByID(ctx, ev.Feed.ID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn().Str("feed_id", ev.Feed.ID).Msg("events: лента для отключения не найдена")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find feed: %w", err)
	}
	code := ev.RejectedCode.DisabledCode()
	changed, err := s.feeds.DisableByID(ctx, feed.ID, code)
	if err != nil {
		return fmt.Errorf("disable feed: %w", err)
	}
	if !changed {
		return nil
	}
	metrics.AddFeedsDisabled(string(code), 1)
	s.log.Info().Str("feed_id", feed.ID).Str("code", string(code)).Msg("events: лента отключена")
	s.alert(ctx, domain.DisabledFeedsAlert{FeedIDs: []string{feed.ID}, DisabledCode: string(code)})
	return nil
}

// HandleArticleRejected отключает только канал, отказавший в доставке.
func (s *Service) HandleArticleRejected(ctx context.Context, ev domain.ArticleRejectedEvent) error {
	code := ev.RejectedCode.DisabledCode()
	changed, err := s.feeds.DisableConnection(ctx, ev.Feed.ID, ev.Medium.ID, code, ev.RejectedMessage)
	if err != nil {
		return fmt.Errorf("disable connection: %w", err)
	}
	if !changed {
		return nil
	}
	metrics.AddFeedsDisabled(string(code), 1)
	s.log.Info().Str("feed_id", ev.Feed.ID).Str("connection", ev.Medium.ID).Str("code", string(code)).Msg("events: канал доставки отключён")
	s.alert(ctx, domain.DisabledFeedsAlert{
		FeedIDs:         []string{ev.Feed.ID},
		DisabledCode:    string(code),
		ConnectionID:    ev.Medium.ID,
		ArticleID:       ev.ArticleID,
		RejectedMessage: ev.RejectedMessage,
	})
	return nil
}

// HandleSyncSupporterRoles синхронизирует роли пользователя.
func (s *Service) HandleSyncSupporterRoles(ctx context.Context, ev domain.SyncSupporterRolesEvent) error {
	if ev.UserID == "" {
		return errors.New("empty user id")
	}
	if err := s.roles.SyncDiscordSupporterRoles(ctx, ev.UserID); err != nil {
		return fmt.Errorf("sync supporter roles: %w", err)
	}
	return nil
}

// alert публикует уведомление об отключении. Ошибка публикации только логируется.
func (s *Service) alert(ctx context.Context, alert domain.DisabledFeedsAlert) bool {
	if s.publisher == nil {
		return false
	}
	if err := s.publisher.Publish(ctx, domain.QueueFeedDisabledAlert, alert, domain.PublishOptions{}); err != nil {
		s.log.Warn().Err(err).Strs("feeds", alert.FeedIDs).Msg("events: не удалось отправить уведомление об отключении")
		return false
	}
	return true
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"feed-scheduler/internal/domain"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type stubFeeds struct {
	domain.FeedRepo

	health      map[string]domain.FeedHealthStatus
	deliverable []domain.Feed
	disabled    map[string]domain.FeedDisabledCode
	byKey       map[string][]string
	feeds       map[string]domain.Feed
	connections map[string]domain.ConnectionDisabledCode
	details     map[string]string
	rateSeen    int
}

func newStubFeeds() *stubFeeds {
	return &stubFeeds{
		health:      make(map[string]domain.FeedHealthStatus),
		disabled:    make(map[string]domain.FeedDisabledCode),
		byKey:       make(map[string][]string),
		feeds:       make(map[string]domain.Feed),
		connections: make(map[string]domain.ConnectionDisabledCode),
		details:     make(map[string]string),
	}
}

func (s *stubFeeds) SetHealthStatus(_ context.Context, key domain.RequestKey, status domain.FeedHealthStatus) (int64, error) {
	if s.health[key.String()] == status {
		return 0, nil
	}
	s.health[key.String()] = status
	return 1, nil
}

func (s *stubFeeds) IterateDeliverableFeeds(_ context.Context, _ domain.RequestKey, rate int, fn func(domain.Feed) error) error {
	s.rateSeen = rate
	for _, f := range s.deliverable {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubFeeds) DisableByRequestKey(_ context.Context, key domain.RequestKey, code domain.FeedDisabledCode, _ domain.FeedHealthStatus) ([]string, error) {
	var out []string
	for _, id := range s.byKey[key.String()] {
		if s.disabled[id] == "" {
			s.disabled[id] = code
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *stubFeeds) FindByID(_ context.Context, id string) (domain.Feed, error) {
	f, ok := s.feeds[id]
	if !ok {
		return domain.Feed{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *stubFeeds) DisableByID(_ context.Context, id string, code domain.FeedDisabledCode) (bool, error) {
	if s.disabled[id] != "" {
		return false, nil
	}
	s.disabled[id] = code
	return true, nil
}

func (s *stubFeeds) DisableConnection(_ context.Context, feedID, connID string, code domain.ConnectionDisabledCode, detail string) (bool, error) {
	key := feedID + "/" + connID
	if s.connections[key] != "" {
		return false, nil
	}
	s.connections[key] = code
	s.details[key] = detail
	return true, nil
}

type stubFails struct {
	records map[string]domain.FailRecord
	deleted []string
	alerted []string
}

func (s *stubFails) UpsertFailRecord(_ context.Context, key domain.RequestKey, reason string, at time.Time) (domain.FailRecord, error) {
	if s.records == nil {
		s.records = make(map[string]domain.FailRecord)
	}
	rec, ok := s.records[key.String()]
	if !ok {
		rec = domain.FailRecord{Key: key, FailedAt: at}
	}
	rec.Reason = reason
	s.records[key.String()] = rec
	return rec, nil
}

func (s *stubFails) DeleteFailRecord(_ context.Context, key domain.RequestKey) error {
	s.deleted = append(s.deleted, key.String())
	delete(s.records, key.String())
	return nil
}

func (s *stubFails) ListFailedRecords(context.Context, time.Time) ([]domain.FailRecord, error) {
	return nil, nil
}

func (s *stubFails) MarkFailRecordAlerted(_ context.Context, key domain.RequestKey) error {
	s.alerted = append(s.alerted, key.String())
	return nil
}

type stubBenefits map[string]domain.UserBenefits

func (b stubBenefits) GetBenefitsOfDiscordUser(_ context.Context, id string) (domain.UserBenefits, error) {
	return b[id], nil
}

type stubRoles struct{ users []string }

func (r *stubRoles) SyncDiscordSupporterRoles(_ context.Context, id string) error {
	r.users = append(r.users, id)
	return nil
}

type message struct {
	queue   domain.Queue
	payload any
	opts    domain.PublishOptions
}

type stubPublisher struct {
	msgs []message
	err  error
}

func (p *stubPublisher) Publish(_ context.Context, queue domain.Queue, payload any, opts domain.PublishOptions) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{queue, payload, opts})
	return nil
}

func newService(feeds *stubFeeds, fails *stubFails, benefits stubBenefits, pub *stubPublisher) (*Service, *stubRoles) {
	roles := &stubRoles{}
	svc := NewService(feeds, fails, benefits, roles, pub, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return svc, roles
}

func TestHandleURLFetchCompleted(t *testing.T) {
	feeds := newStubFeeds()
	feeds.health["https://a"] = domain.FeedHealthFailing
	feeds.deliverable = []domain.Feed{
		{
			ID: "f1", URL: "https://a", DiscordUserID: "rich", ExternalProperties: json.RawMessage(`[{"k":"v"}]`),
			Connections: []domain.FeedConnection{
				{ID: "c1", ChannelID: "ch", HasCustomPlaceholders: true},
				{ID: "c2", WebhookID: "wh", DisabledCode: domain.ConnectionDisabledManual},
			},
		},
		{
			ID: "f2", URL: "https://a", DiscordUserID: "poor", MaxDailyArticles: 20, ExternalProperties: json.RawMessage(`[]`),
			Connections: []domain.FeedConnection{{ID: "c3", WebhookID: "wh", HasCustomPlaceholders: true}},
		},
		{ID: "f3", URL: "https://a", DiscordUserID: "poor", Connections: []domain.FeedConnection{{ID: "c4", DisabledCode: domain.ConnectionDisabledBadFormat}}},
	}
	fails := &stubFails{records: map[string]domain.FailRecord{"https://a": {}}}
	benefits := stubBenefits{
		"rich": {MaxDailyArticles: 500, AllowCustomPlaceholders: true, AllowExternalProperties: true},
		"poor": {MaxDailyArticles: 50},
	}
	pub := &stubPublisher{}
	svc, _ := newService(feeds, fails, benefits, pub)

	if err := svc.HandleURLFetchCompleted(context.Background(), domain.URLEvent{URL: "https://a", RateSeconds: 600}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feeds.health["https://a"] != domain.FeedHealthOK || len(fails.deleted) != 1 || feeds.rateSeen != 600 {
		t.Fatalf("ожидали сброс состояния ошибки")
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("ожидали 2 события доставки, получили %d", len(pub.msgs))
	}
	first := pub.msgs[0].payload.(domain.DeliverArticlesEvent)
	if pub.msgs[0].queue != domain.QueueFeedDeliverArticles || pub.msgs[0].opts.Expiration != 10*time.Minute {
		t.Fatalf("неожиданные параметры публикации: %+v", pub.msgs[0])
	}
	if first.ArticleDayLimit != 500 || len(first.Mediums) != 1 || !first.Mediums[0].CustomPlaceholders || first.Feed.ExternalProperties == nil {
		t.Fatalf("неожиданное событие: %+v", first)
	}
	second := pub.msgs[1].payload.(domain.DeliverArticlesEvent)
	if second.ArticleDayLimit != 20 || second.Mediums[0].CustomPlaceholders || second.Feed.ExternalProperties != nil || second.Mediums[0].Key != "discord-webhook" {
		t.Fatalf("привилегии владельца должны ограничивать событие: %+v", second)
	}
}

func TestHandleURLFailing(t *testing.T) {
	feeds := newStubFeeds()
	feeds.byKey["lk"] = []string{"f1", "f2"}
	fails := &stubFails{}
	pub := &stubPublisher{}
	svc, _ := newService(feeds, fails, nil, pub)
	ev := domain.URLEvent{URL: "https://r", LookupKey: "lk", Reason: "timeout"}

	if err := svc.HandleURLFailing(context.Background(), ev); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feeds.health["lk"] != domain.FeedHealthFailing || len(feeds.disabled) != 0 {
		t.Fatalf("свежая ошибка не должна отключать ленты")
	}

	svc.now = func() time.Time { return now.Add(19 * time.Hour) }
	if err := svc.HandleURLFailing(context.Background(), ev); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if fails.records["lk"].FailedAt != now {
		t.Fatalf("время первой ошибки должно сохраняться")
	}
	if feeds.disabled["f1"] != domain.FeedDisabledFailedRequests || feeds.disabled["f2"] != domain.FeedDisabledFailedRequests {
		t.Fatalf("устойчивая ошибка должна отключать ленты: %v", feeds.disabled)
	}
	if len(pub.msgs) != 1 || len(fails.alerted) != 1 {
		t.Fatalf("ожидали одно уведомление")
	}
}

func TestHandleURLFailedDisableFeedsIsIdempotent(t *testing.T) {
	feeds := newStubFeeds()
	feeds.byKey["https://dead"] = []string{"f1"}
	feeds.disabled["f2"] = domain.FeedDisabledManual
	feeds.byKey["https://dead"] = append(feeds.byKey["https://dead"], "f2")
	pub := &stubPublisher{err: errors.New("broker down")}
	fails := &stubFails{}
	svc, _ := newService(feeds, fails, nil, pub)

	for i := 0; i < 2; i++ {
		if err := svc.HandleURLFailedDisableFeeds(context.Background(), domain.URLEvent{URL: "https://dead"}); err != nil {
			t.Fatalf("ошибка уведомления не должна возвращаться: %v", err)
		}
	}
	if feeds.disabled["f1"] != domain.FeedDisabledFailedRequests || feeds.disabled["f2"] != domain.FeedDisabledManual {
		t.Fatalf("ручное отключение не должно перезаписываться: %v", feeds.disabled)
	}
	if len(fails.alerted) != 0 {
		t.Fatalf("неотправленное уведомление не отмечается")
	}
}

func TestHandleURLRejectedDisableFeeds(t *testing.T) {
	feeds := newStubFeeds()
	feeds.byKey["https://big"] = []string{"f1"}
	svc, _ := newService(feeds, &stubFails{}, nil, &stubPublisher{})

	if err := svc.HandleURLRejectedDisableFeeds(context.Background(), domain.URLEvent{URL: "https://big", Status: "other"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(feeds.disabled) != 0 {
		t.Fatalf("неизвестный статус не должен отключать ленты")
	}
	if err := svc.HandleURLRejectedDisableFeeds(context.Background(), domain.URLEvent{URL: "https://big", Status: domain.FetchStatusRefusedLargeFeed}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feeds.disabled["f1"] != domain.FeedDisabledTooLarge {
		t.Fatalf("ожидали код FEED_TOO_LARGE, получили %q", feeds.disabled["f1"])
	}
}

func TestHandleFeedRejected(t *testing.T) {
	feeds := newStubFeeds()
	feeds.feeds["f1"] = domain.Feed{ID: "f1"}
	pub := &stubPublisher{}
	svc, _ := newService(feeds, &stubFails{}, nil, pub)

	tests := []struct {
		name string
		ev   domain.FeedRejectedEvent
		want domain.FeedDisabledCode
	}{
		{name: "missing feed", ev: domain.FeedRejectedEvent{Feed: domain.EntityRef{ID: "nope"}, RejectedCode: domain.FeedRejectTooLarge}},
		{name: "too large", ev: domain.FeedRejectedEvent{Feed: domain.EntityRef{ID: "f1"}, RejectedCode: domain.FeedRejectTooLarge}, want: domain.FeedDisabledTooLarge},
		{name: "already disabled", ev: domain.FeedRejectedEvent{Feed: domain.EntityRef{ID: "f1"}, RejectedCode: domain.FeedRejectInvalidFeed}, want: domain.FeedDisabledTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.HandleFeedRejected(context.Background(), tt.ev); err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if got := feeds.disabled[tt.ev.Feed.ID]; got != tt.want {
				t.Fatalf("код = %q, want %q", got, tt.want)
			}
		})
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("уведомление должно отправляться только при изменении, получили %d", len(pub.msgs))
	}
}

func TestHandleArticleRejected(t *testing.T) {
	feeds := newStubFeeds()
	pub := &stubPublisher{}
	svc, _ := newService(feeds, &stubFails{}, nil, pub)
	ev := domain.ArticleRejectedEvent{
		RejectedCode:    domain.ArticleRejectForbidden,
		RejectedMessage: "Missing Access",
		ArticleID:       "a1",
		Medium:          domain.EntityRef{ID: "c1"},
		Feed:            domain.EntityRef{ID: "f1"},
	}
	for i := 0; i < 2; i++ {
		if err := svc.HandleArticleRejected(context.Background(), ev); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if feeds.connections["f1/c1"] != domain.ConnectionDisabledMissingPermissions || feeds.details["f1/c1"] != "Missing Access" {
		t.Fatalf("неожиданное состояние канала: %v %v", feeds.connections, feeds.details)
	}
	if len(feeds.disabled) != 0 {
		t.Fatalf("лента целиком не должна отключаться")
	}
	if len(pub.msgs) != 1 || pub.msgs[0].payload.(domain.DisabledFeedsAlert).ConnectionID != "c1" {
		t.Fatalf("ожидали одно уведомление о канале: %+v", pub.msgs)
	}
}

func TestBindingsDecodeAndPolicies(t *testing.T) {
	svc, roles := newService(newStubFeeds(), &stubFails{}, nil, &stubPublisher{})
	bindings := svc.Bindings()
	if len(bindings) != len(Policies()) {
		t.Fatalf("каждая очередь должна иметь политику")
	}
	for _, b := range bindings {
		if b.Policy != domain.AckAlways {
			t.Fatalf("очередь %s: ожидали AckAlways", b.Queue)
		}
		if b.Queue != domain.QueueSyncSupporterDiscordRoles {
			continue
		}
		if err := b.Handler(context.Background(), domain.Envelope{Data: json.RawMessage(`{"userId":"42"}`)}); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if err := b.Handler(context.Background(), domain.Envelope{Data: json.RawMessage(`{`)}); err == nil {
			t.Fatalf("ожидали ошибку разбора")
		}
	}
	if len(roles.users) != 1 || roles.users[0] != "42" {
		t.Fatalf("ожидали синхронизацию ролей пользователя 42, получили %v", roles.users)
	}
}

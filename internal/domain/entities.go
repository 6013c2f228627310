package domain

import (
	"encoding/json"
	"time"
)

// FeedHealthStatus описывает состояние получения ленты.
type FeedHealthStatus string

const (
	FeedHealthOK      FeedHealthStatus = "ok"
	FeedHealthFailing FeedHealthStatus = "failing"
	FeedHealthFailed  FeedHealthStatus = "failed"
)

// FeedDisabledCode описывает причину отключения ленты. Пустое значение означает, что лента активна.
type FeedDisabledCode string

const (
	FeedDisabledManual            FeedDisabledCode = "MANUAL"
	FeedDisabledConverted         FeedDisabledCode = "CONVERTED_USER_FEED"
	FeedDisabledBadFormat         FeedDisabledCode = "BAD_FORMAT"
	FeedDisabledFailedRequests    FeedDisabledCode = "FAILED_REQUESTS"
	FeedDisabledTooLarge          FeedDisabledCode = "FEED_TOO_LARGE"
	FeedDisabledExceededLimit     FeedDisabledCode = "EXCEEDED_FEED_LIMIT"
	FeedDisabledInvalidFeed       FeedDisabledCode = "INVALID_FEED"
	FeedDisabledExcessivelyActive FeedDisabledCode = "EXCESSIVELY_ACTIVE"
)

// ConnectionDisabledCode описывает причину отключения отдельного канала доставки.
type ConnectionDisabledCode string

const (
	ConnectionDisabledManual             ConnectionDisabledCode = "MANUAL"
	ConnectionDisabledBadFormat          ConnectionDisabledCode = "BAD_FORMAT"
	ConnectionDisabledMissingPermissions ConnectionDisabledCode = "MISSING_PERMISSIONS"
	ConnectionDisabledMissingMedium      ConnectionDisabledCode = "MISSING_MEDIUM"
	ConnectionDisabledUnknown            ConnectionDisabledCode = "UNKNOWN"
)

// Feed описывает отслеживаемую ленту, доставляемую в канал сервера.
type Feed struct {
	ID            string
	URL           string
	GuildID       string
	DiscordUserID string
	// RefreshRateSeconds хранит вычисленную частоту обновления.
	RefreshRateSeconds int
	// UserRefreshRateSeconds — явное переопределение частоты для ленты.
	UserRefreshRateSeconds *int
	SlotOffsetMs           *int64
	DisabledCode           FeedDisabledCode
	HealthStatus           FeedHealthStatus
	LookupKey              string
	MaxDailyArticles       int
	ExternalProperties     json.RawMessage
	Debug                  bool
	CreatedAt              time.Time
	Connections            []FeedConnection
}

// EffectiveRefreshRateSeconds возвращает частоту с учётом переопределения.
func (f Feed) EffectiveRefreshRateSeconds() int {
	return EffectiveRate(f.RefreshRateSeconds, f.UserRefreshRateSeconds)
}

// EffectiveRate выбирает явное переопределение, если оно задано.
func EffectiveRate(resolved int, override *int) int {
	if override != nil && *override > 0 {
		return *override
	}
	return resolved
}

// FeedRef — минимальный набор полей для вычисления частоты обновления.
type FeedRef struct {
	ID      string
	URL     string
	GuildID string
}

// FeedRateState содержит поля ленты, нужные для сверки частоты и слота.
type FeedRateState struct {
	FeedRef
	RefreshRateSeconds     int
	UserRefreshRateSeconds *int
	SlotOffsetMs           *int64
}

// FeedConnection описывает канал доставки ленты.
type FeedConnection struct {
	ID                    string
	FeedID                string
	ChannelID             string
	GuildID               string
	WebhookID             string
	HasCustomPlaceholders bool
	DisabledCode          ConnectionDisabledCode
	DisabledDetail        string
}

// DueFeed — лента, чей слот попал в текущее окно планировщика.
type DueFeed struct {
	ID                     string
	URL                    string
	GuildID                string
	DiscordUserID          string
	LookupKey              string
	RefreshRateSeconds     int
	UserRefreshRateSeconds *int
}

// FeedOwnership группирует ленты владельца для контроля лимита.
type FeedOwnership struct {
	DiscordUserID string
	// EnabledFeedIDs упорядочены от старых к новым.
	EnabledFeedIDs []string
	// LimitDisabledFeedIDs отключены из-за превышения лимита, от старых к новым.
	LimitDisabledFeedIDs []string
}

// SlotOffsetUpdate задаёт новый слот ленты.
type SlotOffsetUpdate struct {
	FeedID       string
	SlotOffsetMs int64
}

// DistinctRefreshRates содержит частоты, встречающиеся среди лент.
type DistinctRefreshRates struct {
	RefreshRateSeconds     []int
	UserRefreshRateSeconds []int
}

// All возвращает объединение частот без повторов и нулевых значений.
func (d DistinctRefreshRates) All() []int {
	seen := make(map[int]struct{}, len(d.RefreshRateSeconds)+len(d.UserRefreshRateSeconds))
	out := make([]int, 0, len(seen))
	for _, list := range [][]int{d.RefreshRateSeconds, d.UserRefreshRateSeconds} {
		for _, rate := range list {
			if rate <= 0 {
				continue
			}
			if _, ok := seen[rate]; ok {
				continue
			}
			seen[rate] = struct{}{}
			out = append(out, rate)
		}
	}
	return out
}

// SlotWindow описывает диапазон смещений слотов, попадающих в тик.
type SlotWindow struct {
	StartMs       int64
	EndMs         int64
	WrapsAround   bool
	RefreshRateMs int64
}

// Contains сообщает, попадает ли смещение в окно.
func (w SlotWindow) Contains(offsetMs int64) bool {
	if w.WrapsAround {
		return offsetMs >= w.StartMs || offsetMs < w.EndMs
	}
	return offsetMs >= w.StartMs && offsetMs < w.EndMs
}

// RequestKey идентифицирует запрос к источнику: ключ поиска, если он есть, иначе URL.
type RequestKey struct {
	URL       string
	LookupKey string
}

// String возвращает значение, по которому сопоставляются ленты.
func (k RequestKey) String() string {
	if k.LookupKey != "" {
		return k.LookupKey
	}
	return k.URL
}

// FailRecordLifetime — возраст, после которого ошибка считается устойчивой.
const FailRecordLifetime = 18 * time.Hour

// FailRecordState классифицирует запись об ошибках.
type FailRecordState string

const (
	FailRecordFailing FailRecordState = "failing"
	FailRecordFailed  FailRecordState = "failed"
)

// FailRecord отслеживает последовательные ошибки получения ленты.
type FailRecord struct {
	Key      RequestKey
	Reason   string
	FailedAt time.Time
	Alerted  bool
}

// State возвращает классификацию записи на момент now.
func (r FailRecord) State(now time.Time) FailRecordState {
	if now.Sub(r.FailedAt) > FailRecordLifetime {
		return FailRecordFailed
	}
	return FailRecordFailing
}

// HasFailed сообщает, превысила ли запись порог устойчивой ошибки.
func (r FailRecord) HasFailed(now time.Time) bool {
	return r.State(now) == FailRecordFailed
}

package schedule

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
	"feed-scheduler/internal/usecase/slot"
)

const redditOAuthHost = "oauth.reddit.com"

var redditHosts = map[string]struct{}{
	"reddit.com":     {},
	"www.reddit.com": {},
	"old.reddit.com": {},
}

// RateResolver вычисляет действующую частоту лент.
type RateResolver interface {
	GetRefreshRatesOfFeeds(ctx context.Context, feeds []domain.FeedRef) ([]int, error)
}

// Config задаёт параметры тика.
type Config struct {
	TickWindow  time.Duration
	FanOutLimit int
	// BatchSize — максимум URL в одном сообщении url.fetch.batch.
	BatchSize int
	// PageSize — размер страницы при чтении лент из хранилища.
	PageSize int
}

// Handler выбирает наступившие ленты и публикует пакеты на загрузку.
type Handler struct {
	feeds     domain.FeedRepo
	users     domain.UserRepo
	rates     RateResolver
	lock      domain.WindowLock
	publisher domain.Publisher
	sealer    domain.Sealer
	cfg       Config
	log       zerolog.Logger
}

// NewHandler создаёт обработчик тика. lock и sealer могут быть nil:
// без блокировки окно обрабатывается каждой репликой, без ключа шифрования
// ленты с ключом поиска пропускаются.
func NewHandler(feeds domain.FeedRepo, users domain.UserRepo, rates RateResolver, lock domain.WindowLock, publisher domain.Publisher, sealer domain.Sealer, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.TickWindow <= 0 {
		cfg.TickWindow = 10 * time.Second
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Handler{
		feeds:     feeds,
		users:     users,
		rates:     rates,
		lock:      lock,
		publisher: publisher,
		sealer:    sealer,
		cfg:       cfg,
		log:       logger.With().Str("component", "scheduler").Logger(),
	}
}

// RunTick обрабатывает все используемые частоты. Ошибка одной частоты
// логируется и не мешает остальным.
func (h *Handler) RunTick(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { metrics.SchedulerTickSeconds.Observe(time.Since(start).Seconds()) }()

	distinct, err := h.feeds.GetDistinctRefreshRates(ctx)
	if err != nil {
		return fmt.Errorf("get distinct refresh rates: %w", err)
	}
	rates := distinct.All()

	var g errgroup.Group
	g.SetLimit(h.cfg.FanOutLimit)
	for _, rate := range rates {
		g.Go(func() error {
			if err := h.HandleRefreshRate(ctx, rate, now); err != nil {
				metrics.IncRateError(rate)
				h.log.Error().Err(err).Int("rate", rate).Msg("scheduler: не удалось обработать частоту")
			}
			return nil
		})
	}
	_ = g.Wait()
	h.log.Debug().Ints("rates", rates).Dur("took", time.Since(start)).Msg("scheduler: тик завершён")
	return nil
}

// HandleRefreshRate публикует ленты частоты rateSeconds, чей слот наступил за текущий тик.
func (h *Handler) HandleRefreshRate(ctx context.Context, rateSeconds int, now time.Time) error {
	logger := h.log.With().Int("rate", rateSeconds).Logger()
	if h.lock != nil {
		key := fmt.Sprintf("scheduler:window:%d:%d", rateSeconds, slot.WindowID(now, h.cfg.TickWindow))
		ok, err := h.lock.Acquire(ctx, key, 2*h.cfg.TickWindow)
		if err != nil {
			return fmt.Errorf("acquire window lock: %w", err)
		}
		if !ok {
			metrics.SchedulerWindowsSkipped.Inc()
			logger.Debug().Str("key", key).Msg("scheduler: окно уже обработано")
			return nil
		}
	}

	window := slot.WindowAt(now, h.cfg.TickWindow, rateSeconds)
	var (
		requests   []domain.URLFetchRequest
		seenURLs   = make(map[string]struct{})
		mismatches int
	)

	plain := domain.DueFeedQuery{RateSeconds: rateSeconds, Window: window, BatchSize: h.cfg.PageSize}
	err := h.feeds.IterateDueFeeds(ctx, plain, func(batch []domain.DueFeed) error {
		valid, skipped, err := h.validate(ctx, rateSeconds, batch)
		if err != nil {
			return err
		}
		mismatches += skipped
		for _, feed := range valid {
			if _, ok := seenURLs[feed.URL]; ok {
				continue
			}
			seenURLs[feed.URL] = struct{}{}
			requests = append(requests, domain.URLFetchRequest{URL: feed.URL})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate due feeds: %w", err)
	}

	keyed := domain.DueFeedQuery{RateSeconds: rateSeconds, Window: window, WithLookupKey: true, BatchSize: h.cfg.PageSize}
	seenKeys := make(map[string]struct{})
	err = h.feeds.IterateDueFeeds(ctx, keyed, func(batch []domain.DueFeed) error {
		valid, skipped, err := h.validate(ctx, rateSeconds, batch)
		if err != nil {
			return err
		}
		mismatches += skipped
		fresh := make([]domain.DueFeed, 0, len(valid))
		for _, feed := range valid {
			if _, ok := seenKeys[feed.LookupKey]; ok {
				continue
			}
			seenKeys[feed.LookupKey] = struct{}{}
			fresh = append(fresh, feed)
		}
		withAuth, err := h.authorize(ctx, fresh, now, logger)
		if err != nil {
			return err
		}
		requests = append(requests, withAuth...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate due feeds with lookup key: %w", err)
	}

	metrics.AddRateMismatches(rateSeconds, mismatches)
	if mismatches > 0 {
		logger.Warn().Int("skipped", mismatches).Msg("scheduler: ленты с устаревшей частотой пропущены")
	}

	for start := 0; start < len(requests); start += h.cfg.BatchSize {
		end := min(start+h.cfg.BatchSize, len(requests))
		batch := domain.URLFetchBatch{RateSeconds: rateSeconds, Data: requests[start:end]}
		opts := domain.PublishOptions{Expiration: time.Duration(rateSeconds) * time.Second}
		if err := h.publisher.Publish(ctx, domain.QueueURLFetchBatch, batch, opts); err != nil {
			return fmt.Errorf("publish url batch: %w", err)
		}
	}
	metrics.AddURLsEmitted(rateSeconds, len(requests))
	if len(requests) > 0 {
		logger.Info().Int("urls", len(requests)).Int64("window_start", window.StartMs).Int64("window_end", window.EndMs).Msg("scheduler: пакеты на загрузку опубликованы")
	}
	return nil
}

// validate отбрасывает ленты без явного переопределения, чья сохранённая частота
// разошлась с вычисленной. Их частоту исправит обслуживание.
func (h *Handler) validate(ctx context.Context, rateSeconds int, batch []domain.DueFeed) ([]domain.DueFeed, int, error) {
	var refs []domain.FeedRef
	var idx []int
	for i, feed := range batch {
		if feed.UserRefreshRateSeconds != nil {
			continue
		}
		refs = append(refs, domain.FeedRef{ID: feed.ID, URL: feed.URL, GuildID: feed.GuildID})
		idx = append(idx, i)
	}
	if len(refs) == 0 {
		return batch, 0, nil
	}
	resolved, err := h.rates.GetRefreshRatesOfFeeds(ctx, refs)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve refresh rates: %w", err)
	}
	drop := make(map[int]struct{})
	for j, rate := range resolved {
		if rate != rateSeconds {
			drop[idx[j]] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return batch, 0, nil
	}
	out := make([]domain.DueFeed, 0, len(batch)-len(drop))
	for i, feed := range batch {
		if _, ok := drop[i]; !ok {
			out = append(out, feed)
		}
	}
	return out, len(drop), nil
}

// authorize переписывает ленты Reddit на OAuth-хост с токеном владельца.
func (h *Handler) authorize(ctx context.Context, feeds []domain.DueFeed, now time.Time, logger zerolog.Logger) ([]domain.URLFetchRequest, error) {
	if len(feeds) == 0 {
		return nil, nil
	}
	if h.sealer == nil {
		logger.Warn().Err(domain.ErrEncryptionKeyMissing).Int("feeds", len(feeds)).Msg("scheduler: ленты с ключом поиска пропущены")
		return nil, nil
	}
	ids := make([]string, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.DiscordUserID)
	}
	creds, err := h.users.FindRedditCredentials(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find reddit credentials: %w", err)
	}

	out := make([]domain.URLFetchRequest, 0, len(feeds))
	for _, feed := range feeds {
		cred, ok := creds[feed.DiscordUserID]
		if !ok || !cred.Usable(now) {
			logger.Debug().Str("feed_id", feed.ID).Str("lookup_key", feed.LookupKey).Msg("scheduler: нет действующих учётных данных владельца")
			continue
		}
		token, err := h.sealer.Open(cred.AccessTokenEnc)
		if err != nil {
			logger.Error().Err(err).Str("user", feed.DiscordUserID).Msg("scheduler: не удалось расшифровать токен")
			continue
		}
		out = append(out, domain.URLFetchRequest{
			URL:       RedditOAuthURL(feed.URL),
			LookupKey: feed.LookupKey,
			Headers:   map[string]string{"Authorization": "bearer " + token},
		})
	}
	return out, nil
}

// RedditOAuthURL переносит адрес Reddit на OAuth-хост. Прочие адреса не меняются.
func RedditOAuthURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if _, ok := redditHosts[u.Hostname()]; !ok {
		return raw
	}
	u.Host = redditOAuthHost
	return u.String()
}

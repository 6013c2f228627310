package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

const feedColumns = `id, url, guild_id, discord_user_id, refresh_rate_seconds, user_refresh_rate_seconds,
slot_offset_ms, COALESCE(disabled_code, ''), health_status, COALESCE(lookup_key, ''),
max_daily_articles, external_properties, debug, created_at`

func scanFeed(row pgx.Row) (domain.Feed, error) {
	var (
		f        domain.Feed
		disabled string
		health   string
	)
	err := row.Scan(&f.ID, &f.URL, &f.GuildID, &f.DiscordUserID, &f.RefreshRateSeconds, &f.UserRefreshRateSeconds,
		&f.SlotOffsetMs, &disabled, &health, &f.LookupKey,
		&f.MaxDailyArticles, &f.ExternalProperties, &f.Debug, &f.CreatedAt)
	f.DisabledCode = domain.FeedDisabledCode(disabled)
	f.HealthStatus = domain.FeedHealthStatus(health)
	return f, err
}

// GetDistinctRefreshRates реализует domain.FeedRepo.
func (p *Postgres) GetDistinctRefreshRates(ctx context.Context) (domain.DistinctRefreshRates, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	rates, err := p.distinctInts(ctx, "feeds_distinct_rates", `
SELECT DISTINCT refresh_rate_seconds FROM feeds
WHERE disabled_code IS NULL AND user_refresh_rate_seconds IS NULL
`)
	if err != nil {
		return domain.DistinctRefreshRates{}, fmt.Errorf("distinct refresh rates: %w", err)
	}
	userRates, err := p.distinctInts(ctx, "feeds_distinct_user_rates", `
SELECT DISTINCT user_refresh_rate_seconds FROM feeds
WHERE disabled_code IS NULL AND user_refresh_rate_seconds IS NOT NULL
`)
	if err != nil {
		return domain.DistinctRefreshRates{}, fmt.Errorf("distinct user refresh rates: %w", err)
	}
	return domain.DistinctRefreshRates{RefreshRateSeconds: rates, UserRefreshRateSeconds: userRates}, nil
}

func (p *Postgres) distinctInts(ctx context.Context, op, query string) ([]int, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", op, "feeds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// IterateDueFeeds реализует domain.FeedRepo. Ленты без слота не выбираются, пока обслуживание не заполнит слот.
func (p *Postgres) IterateDueFeeds(ctx context.Context, q domain.DueFeedQuery, fn func([]domain.DueFeed) error) error {
	limit := q.BatchSize
	if limit <= 0 {
		limit = 500
	}
	cursor := ""
	for {
		page, err := p.dueFeedsPage(ctx, q, cursor, limit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < limit {
			return nil
		}
		cursor = page[len(page)-1].ID
	}
}

func (p *Postgres) dueFeedsPage(ctx context.Context, q domain.DueFeedQuery, cursor string, limit int) ([]domain.DueFeed, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, url, guild_id, discord_user_id, COALESCE(lookup_key, ''), refresh_rate_seconds, user_refresh_rate_seconds
FROM feeds
WHERE disabled_code IS NULL
  AND COALESCE(user_refresh_rate_seconds, refresh_rate_seconds) = $1
  AND (lookup_key IS NOT NULL) = $2
  AND slot_offset_ms IS NOT NULL
  AND CASE WHEN $5 THEN slot_offset_ms >= $3 OR slot_offset_ms < $4
           ELSE slot_offset_ms >= $3 AND slot_offset_ms < $4 END
  AND id > $6
ORDER BY id
LIMIT $7
`, q.RateSeconds, q.WithLookupKey, q.Window.StartMs, q.Window.EndMs, q.Window.WrapsAround, cursor, limit)
	metrics.ObserveNetworkRequest("postgres", "feeds_due", "feeds", start, err)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer rows.Close()
	var out []domain.DueFeed
	for rows.Next() {
		var f domain.DueFeed
		if err := rows.Scan(&f.ID, &f.URL, &f.GuildID, &f.DiscordUserID, &f.LookupKey, &f.RefreshRateSeconds, &f.UserRefreshRateSeconds); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FindByID реализует domain.FeedRepo.
func (p *Postgres) FindByID(ctx context.Context, id string) (domain.Feed, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	feed, err := scanFeed(p.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "feeds_find", "feeds", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Feed{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Feed{}, err
	}
	return feed, nil
}

// IterateDeliverableFeeds реализует domain.FeedRepo. Нулевая частота выбирает ленты любой частоты.
func (p *Postgres) IterateDeliverableFeeds(ctx context.Context, key domain.RequestKey, rateSeconds int, fn func(domain.Feed) error) error {
	feeds, err := p.deliverableFeeds(ctx, key, rateSeconds)
	if err != nil {
		return err
	}
	for _, f := range feeds {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) deliverableFeeds(ctx context.Context, key domain.RequestKey, rateSeconds int) ([]domain.Feed, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cond, arg := keyCondition("f.", key)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT f.id, f.url, f.guild_id, f.discord_user_id, COALESCE(f.lookup_key, ''), f.max_daily_articles,
       f.external_properties, f.debug,
       c.id, COALESCE(c.channel_id, ''), c.guild_id, COALESCE(c.webhook_id, ''), c.has_custom_placeholders
FROM feeds f
JOIN feed_connections c ON c.feed_id = f.id AND c.disabled_code IS NULL
WHERE f.disabled_code IS NULL AND `+cond+`
  AND ($2 = 0 OR COALESCE(f.user_refresh_rate_seconds, f.refresh_rate_seconds) = $2)
ORDER BY f.id, c.id
`, arg, rateSeconds)
	metrics.ObserveNetworkRequest("postgres", "feeds_deliverable", "feeds", start, err)
	if err != nil {
		return nil, fmt.Errorf("query deliverable feeds: %w", err)
	}
	defer rows.Close()

	var out []domain.Feed
	for rows.Next() {
		var (
			f    domain.Feed
			conn domain.FeedConnection
		)
		if err := rows.Scan(&f.ID, &f.URL, &f.GuildID, &f.DiscordUserID, &f.LookupKey, &f.MaxDailyArticles,
			&f.ExternalProperties, &f.Debug,
			&conn.ID, &conn.ChannelID, &conn.GuildID, &conn.WebhookID, &conn.HasCustomPlaceholders); err != nil {
			return nil, err
		}
		conn.FeedID = f.ID
		if n := len(out); n > 0 && out[n-1].ID == f.ID {
			out[n-1].Connections = append(out[n-1].Connections, conn)
			continue
		}
		f.Connections = []domain.FeedConnection{conn}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListRateStates реализует domain.FeedRepo.
func (p *Postgres) ListRateStates(ctx context.Context, afterID string, limit int) ([]domain.FeedRateState, error) {
	return p.rateStates(ctx, "feeds_rate_states", `
SELECT id, url, guild_id, refresh_rate_seconds, user_refresh_rate_seconds, slot_offset_ms
FROM feeds WHERE id > $1 ORDER BY id LIMIT $2
`, afterID, limit)
}

// ListMissingSlotOffset реализует domain.FeedRepo.
func (p *Postgres) ListMissingSlotOffset(ctx context.Context, afterID string, limit int) ([]domain.FeedRateState, error) {
	return p.rateStates(ctx, "feeds_missing_slot", `
SELECT id, url, guild_id, refresh_rate_seconds, user_refresh_rate_seconds, slot_offset_ms
FROM feeds WHERE slot_offset_ms IS NULL AND id > $1 ORDER BY id LIMIT $2
`, afterID, limit)
}

func (p *Postgres) rateStates(ctx context.Context, op, query string, afterID string, limit int) ([]domain.FeedRateState, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, afterID, limit)
	metrics.ObserveNetworkRequest("postgres", op, "feeds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeedRateState
	for rows.Next() {
		var st domain.FeedRateState
		if err := rows.Scan(&st.ID, &st.URL, &st.GuildID, &st.RefreshRateSeconds, &st.UserRefreshRateSeconds, &st.SlotOffsetMs); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateRefreshRate реализует domain.FeedRepo. Nil slotOffsetMs оставляет слот без изменений.
func (p *Postgres) UpdateRefreshRate(ctx context.Context, feedID string, rateSeconds int, slotOffsetMs *int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE feeds SET refresh_rate_seconds = $2, slot_offset_ms = COALESCE($3, slot_offset_ms)
WHERE id = $1
`, feedID, rateSeconds, slotOffsetMs)
	metrics.ObserveNetworkRequest("postgres", "feeds_update_rate", "feeds", start, err)
	return err
}

// BulkUpdateSlotOffsets реализует domain.FeedRepo.
func (p *Postgres) BulkUpdateSlotOffsets(ctx context.Context, updates []domain.SlotOffsetUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`UPDATE feeds SET slot_offset_ms = $2 WHERE id = $1`, u.FeedID, u.SlotOffsetMs)
	}
	return p.execBatch(ctx, batch, "feeds_slot_offsets", "feeds")
}

// BulkUpdateLookupKeys реализует domain.FeedRepo.
func (p *Postgres) BulkUpdateLookupKeys(ctx context.Context, updates []domain.LookupKeyUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`UPDATE feeds SET lookup_key = NULLIF($2, '') WHERE id = $1`, u.FeedID, u.LookupKey)
	}
	return p.execBatch(ctx, batch, "feeds_lookup_keys", "feeds")
}

// SetMaxDailyArticles реализует domain.FeedRepo.
func (p *Postgres) SetMaxDailyArticles(ctx context.Context, discordUserID string, limit int) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE feeds SET max_daily_articles = $2
WHERE discord_user_id = $1 AND max_daily_articles <> $2
`, discordUserID, limit)
	metrics.ObserveNetworkRequest("postgres", "feeds_set_daily_articles", "feeds", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetMaxDailyArticlesExcept реализует domain.FeedRepo.
func (p *Postgres) ResetMaxDailyArticlesExcept(ctx context.Context, discordUserIDs []string, limit int) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE feeds SET max_daily_articles = $2
WHERE NOT (discord_user_id = ANY($1)) AND max_daily_articles <> $2
`, nonNil(discordUserIDs), limit)
	metrics.ObserveNetworkRequest("postgres", "feeds_reset_daily_articles", "feeds", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetHealthStatus реализует domain.FeedRepo.
func (p *Postgres) SetHealthStatus(ctx context.Context, key domain.RequestKey, status domain.FeedHealthStatus) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cond, arg := keyCondition("", key)
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE feeds SET health_status = $2
WHERE `+cond+` AND health_status <> $2
`, arg, string(status))
	metrics.ObserveNetworkRequest("postgres", "feeds_set_health", "feeds", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DisableByRequestKey реализует domain.FeedRepo. Пустой health оставляет состояние без изменений.
func (p *Postgres) DisableByRequestKey(ctx context.Context, key domain.RequestKey, code domain.FeedDisabledCode, health domain.FeedHealthStatus) ([]string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cond, arg := keyCondition("", key)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE feeds SET disabled_code = $2, health_status = COALESCE(NULLIF($3, ''), health_status)
WHERE `+cond+` AND disabled_code IS NULL
RETURNING id
`, arg, string(code), string(health))
	metrics.ObserveNetworkRequest("postgres", "feeds_disable_by_key", "feeds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DisableByID реализует domain.FeedRepo.
func (p *Postgres) DisableByID(ctx context.Context, feedID string, code domain.FeedDisabledCode) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE feeds SET disabled_code = $2 WHERE id = $1 AND disabled_code IS NULL`, feedID, string(code))
	metrics.ObserveNetworkRequest("postgres", "feeds_disable_by_id", "feeds", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DisableConnection реализует domain.FeedRepo.
func (p *Postgres) DisableConnection(ctx context.Context, feedID, connectionID string, code domain.ConnectionDisabledCode, detail string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE feed_connections SET disabled_code = $3, disabled_detail = NULLIF($4, '')
WHERE feed_id = $1 AND id = $2 AND disabled_code IS NULL
`, feedID, connectionID, string(code), detail)
	metrics.ObserveNetworkRequest("postgres", "feed_connections_disable", "feed_connections", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IterateFeedOwnership реализует domain.FeedRepo. Владельцы читаются страницами
// по pageSize с курсором по discord_user_id.
func (p *Postgres) IterateFeedOwnership(ctx context.Context, pageSize int, fn func(domain.FeedOwnership) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	cursor := ""
	for {
		owners, err := p.feedOwnershipPage(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, o := range owners {
			if err := fn(o); err != nil {
				return err
			}
		}
		if len(owners) < pageSize {
			return nil
		}
		cursor = owners[len(owners)-1].DiscordUserID
	}
}

func (p *Postgres) feedOwnershipPage(ctx context.Context, cursor string, limit int) ([]domain.FeedOwnership, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
WITH owners AS (
  SELECT DISTINCT discord_user_id
  FROM feeds
  WHERE (disabled_code IS NULL OR disabled_code = $1) AND discord_user_id > $2
  ORDER BY discord_user_id
  LIMIT $3
)
SELECT f.discord_user_id, f.id, f.disabled_code IS NOT NULL
FROM feeds f
JOIN owners o ON o.discord_user_id = f.discord_user_id
WHERE f.disabled_code IS NULL OR f.disabled_code = $1
ORDER BY f.discord_user_id, f.created_at, f.id
`, string(domain.FeedDisabledExceededLimit), cursor, limit)
	metrics.ObserveNetworkRequest("postgres", "feeds_ownership", "feeds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FeedOwnership
	for rows.Next() {
		var (
			owner, id     string
			limitDisabled bool
		)
		if err := rows.Scan(&owner, &id, &limitDisabled); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].DiscordUserID != owner {
			out = append(out, domain.FeedOwnership{DiscordUserID: owner})
		}
		last := &out[len(out)-1]
		if limitDisabled {
			last.LimitDisabledFeedIDs = append(last.LimitDisabledFeedIDs, id)
		} else {
			last.EnabledFeedIDs = append(last.EnabledFeedIDs, id)
		}
	}
	return out, rows.Err()
}

// DisableFeeds реализует domain.FeedRepo.
func (p *Postgres) DisableFeeds(ctx context.Context, feedIDs []string, code domain.FeedDisabledCode) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE feeds SET disabled_code = $2 WHERE id = ANY($1) AND disabled_code IS NULL`, feedIDs, string(code))
	metrics.ObserveNetworkRequest("postgres", "feeds_disable_many", "feeds", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// EnableFeeds реализует domain.FeedRepo. Включаются только ленты, отключённые с кодом code.
func (p *Postgres) EnableFeeds(ctx context.Context, feedIDs []string, code domain.FeedDisabledCode) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE feeds SET disabled_code = NULL WHERE id = ANY($1) AND disabled_code = $2`, feedIDs, string(code))
	metrics.ObserveNetworkRequest("postgres", "feeds_enable_many", "feeds", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

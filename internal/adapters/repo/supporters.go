package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

const supporterColumns = `s.id, s.patron, s.guilds, s.max_feeds, s.max_guilds, s.max_user_feeds, s.expire_at,
s.slow_rate, s.allow_custom_placeholders, s.subscription, COALESCE(o.additional_user_feeds, 0)`

const supporterFrom = `FROM supporters s
LEFT JOIN user_feed_limit_overrides o ON o.discord_user_id = s.id`

func scanSupporter(row pgx.Row, prefix ...any) (domain.Supporter, error) {
	var (
		sup          domain.Supporter
		subscription []byte
	)
	dest := append(prefix, &sup.ID, &sup.Patron, &sup.Guilds, &sup.MaxFeeds, &sup.MaxGuilds, &sup.MaxUserFeeds, &sup.ExpireAt,
		&sup.SlowRate, &sup.AllowCustomPlaceholders, &subscription, &sup.AdditionalUserFeeds)
	if err := row.Scan(dest...); err != nil {
		return domain.Supporter{}, err
	}
	if len(subscription) > 0 {
		var sub domain.SupporterSubscription
		if err := json.Unmarshal(subscription, &sub); err != nil {
			return domain.Supporter{}, fmt.Errorf("decode subscription of %s: %w", sup.ID, err)
		}
		sup.Subscription = &sub
	}
	return sup, nil
}

// FindSupporter реализует domain.SupporterRepo.
func (p *Postgres) FindSupporter(ctx context.Context, discordUserID string) (domain.Supporter, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	sup, err := scanSupporter(p.pool.QueryRow(ctx, `SELECT `+supporterColumns+` `+supporterFrom+` WHERE s.id = $1`, discordUserID))
	metrics.ObserveNetworkRequest("postgres", "supporters_find", "supporters", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Supporter{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Supporter{}, err
	}
	list := []*domain.Supporter{&sup}
	if err := p.attachPatrons(ctx, list); err != nil {
		return domain.Supporter{}, err
	}
	return sup, nil
}

// ListGuildSupporters реализует domain.SupporterRepo.
func (p *Postgres) ListGuildSupporters(ctx context.Context, guildIDs []string) ([]domain.GuildSupporter, error) {
	if len(guildIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT g.guild_id, `+supporterColumns+`
`+supporterFrom+`
CROSS JOIN LATERAL unnest(s.guilds) AS g(guild_id)
WHERE g.guild_id = ANY($1)
ORDER BY g.guild_id, s.id
`, guildIDs)
	metrics.ObserveNetworkRequest("postgres", "supporters_by_guild", "supporters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GuildSupporter
	for rows.Next() {
		var guildID string
		sup, err := scanSupporter(rows, &guildID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.GuildSupporter{GuildID: guildID, Supporter: sup})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	list := make([]*domain.Supporter, len(out))
	for i := range out {
		list[i] = &out[i].Supporter
	}
	if err := p.attachPatrons(ctx, list); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSupporters реализует domain.SupporterRepo.
func (p *Postgres) ListSupporters(ctx context.Context) ([]domain.Supporter, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+supporterColumns+` `+supporterFrom+` ORDER BY s.id`)
	metrics.ObserveNetworkRequest("postgres", "supporters_list", "supporters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Supporter
	for rows.Next() {
		sup, err := scanSupporter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	list := make([]*domain.Supporter, len(out))
	for i := range out {
		list[i] = &out[i]
	}
	if err := p.attachPatrons(ctx, list); err != nil {
		return nil, err
	}
	return out, nil
}

// attachPatrons загружает записи Patreon одним запросом.
func (p *Postgres) attachPatrons(ctx context.Context, supporters []*domain.Supporter) error {
	if len(supporters) == 0 {
		return nil
	}
	ids := make([]string, 0, len(supporters))
	for _, s := range supporters {
		if s.Patron {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, id, status, pledge, pledge_lifetime, pledge_override, last_charge
FROM patrons WHERE discord_user_id = ANY($1)
ORDER BY discord_user_id, id
`, ids)
	metrics.ObserveNetworkRequest("postgres", "patrons_list", "patrons", start, err)
	if err != nil {
		return fmt.Errorf("list patrons: %w", err)
	}
	defer rows.Close()

	byUser := make(map[string][]domain.Patron, len(ids))
	for rows.Next() {
		var (
			userID string
			status string
			patron domain.Patron
		)
		if err := rows.Scan(&userID, &patron.ID, &status, &patron.Pledge, &patron.PledgeLifetime, &patron.PledgeOverride, &patron.LastCharge); err != nil {
			return err
		}
		patron.Status = domain.PatronStatus(status)
		byUser[userID] = append(byUser[userID], patron)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, s := range supporters {
		s.Patrons = byUser[s.ID]
	}
	return nil
}

// FindFeedLimitOverride реализует domain.SupporterRepo.
func (p *Postgres) FindFeedLimitOverride(ctx context.Context, discordUserID string) (domain.FeedLimitOverride, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	o := domain.FeedLimitOverride{DiscordUserID: discordUserID}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT additional_user_feeds FROM user_feed_limit_overrides WHERE discord_user_id = $1
`, discordUserID).Scan(&o.AdditionalUserFeeds)
	metrics.ObserveNetworkRequest("postgres", "feed_limit_overrides_find", "user_feed_limit_overrides", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FeedLimitOverride{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FeedLimitOverride{}, err
	}
	return o, nil
}

// ListFeedLimitOverridesExcept реализует domain.SupporterRepo.
func (p *Postgres) ListFeedLimitOverridesExcept(ctx context.Context, discordUserIDs []string) ([]domain.FeedLimitOverride, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, additional_user_feeds FROM user_feed_limit_overrides
WHERE NOT (discord_user_id = ANY($1))
ORDER BY discord_user_id
`, nonNil(discordUserIDs))
	metrics.ObserveNetworkRequest("postgres", "feed_limit_overrides_list", "user_feed_limit_overrides", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeedLimitOverride
	for rows.Next() {
		var o domain.FeedLimitOverride
		if err := rows.Scan(&o.DiscordUserID, &o.AdditionalUserFeeds); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

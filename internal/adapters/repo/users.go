package repo

import (
	"context"
	"time"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

const redditFeedPattern = `^https?://(www\.|old\.)?reddit\.com/`

// ListExpiringRedditCredentials реализует domain.UserRepo.
func (p *Postgres) ListExpiringRedditCredentials(ctx context.Context, expireBefore time.Time, afterUserID string, limit int) ([]domain.RedditCredential, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, reddit_access_token, reddit_refresh_token, reddit_expire_at, reddit_status
FROM users
WHERE reddit_status = 'active' AND reddit_expire_at < $1 AND discord_user_id > $2
ORDER BY discord_user_id
LIMIT $3
`, expireBefore, afterUserID, limit)
	metrics.ObserveNetworkRequest("postgres", "users_expiring_credentials", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RedditCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (domain.RedditCredential, error) {
	var (
		cred   domain.RedditCredential
		status string
	)
	if err := row.Scan(&cred.DiscordUserID, &cred.AccessTokenEnc, &cred.RefreshTokenEnc, &cred.ExpireAt, &status); err != nil {
		return domain.RedditCredential{}, err
	}
	cred.Status = domain.CredentialStatus(status)
	return cred, nil
}

// SaveRedditCredential реализует domain.UserRepo.
func (p *Postgres) SaveRedditCredential(ctx context.Context, cred domain.RedditCredential) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (discord_user_id, reddit_access_token, reddit_refresh_token, reddit_expire_at, reddit_status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (discord_user_id) DO UPDATE SET
  reddit_access_token = EXCLUDED.reddit_access_token,
  reddit_refresh_token = EXCLUDED.reddit_refresh_token,
  reddit_expire_at = EXCLUDED.reddit_expire_at,
  reddit_status = EXCLUDED.reddit_status
`, cred.DiscordUserID, cred.AccessTokenEnc, cred.RefreshTokenEnc, cred.ExpireAt, string(cred.Status))
	metrics.ObserveNetworkRequest("postgres", "users_save_credential", "users", start, err)
	return err
}

// RevokeRedditCredential реализует domain.UserRepo.
func (p *Postgres) RevokeRedditCredential(ctx context.Context, discordUserID string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE users SET reddit_status = 'revoked'
WHERE discord_user_id = $1 AND reddit_status = 'active'
`, discordUserID)
	metrics.ObserveNetworkRequest("postgres", "users_revoke_credential", "users", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindRedditCredentials реализует domain.UserRepo.
func (p *Postgres) FindRedditCredentials(ctx context.Context, discordUserIDs []string) (map[string]domain.RedditCredential, error) {
	out := make(map[string]domain.RedditCredential)
	if len(discordUserIDs) == 0 {
		return out, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, reddit_access_token, reddit_refresh_token, reddit_expire_at, reddit_status
FROM users
WHERE discord_user_id = ANY($1) AND reddit_status IS NOT NULL
`, discordUserIDs)
	metrics.ObserveNetworkRequest("postgres", "users_find_credentials", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out[cred.DiscordUserID] = cred
	}
	return out, rows.Err()
}

// ListLookupKeyCandidates реализует domain.UserRepo. Nil discordUserIDs выбирает всех пользователей.
func (p *Postgres) ListLookupKeyCandidates(ctx context.Context, discordUserIDs []string, active bool, now time.Time) ([]domain.LookupKeyCandidate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := `
SELECT f.id, COALESCE(f.lookup_key, '')
FROM feeds f
JOIN users u ON u.discord_user_id = f.discord_user_id
WHERE f.url ~* $3 AND f.lookup_key IS NULL
  AND u.reddit_status = 'active' AND u.reddit_expire_at > $2
  AND ($1::text[] IS NULL OR f.discord_user_id = ANY($1))
ORDER BY f.id
`
	op := "feeds_lookup_candidates_active"
	if !active {
		query = `
SELECT f.id, COALESCE(f.lookup_key, '')
FROM feeds f
LEFT JOIN users u ON u.discord_user_id = f.discord_user_id
WHERE f.url ~* $3 AND f.lookup_key IS NOT NULL
  AND (u.discord_user_id IS NULL OR u.reddit_status IS DISTINCT FROM 'active' OR u.reddit_expire_at <= $2)
  AND ($1::text[] IS NULL OR f.discord_user_id = ANY($1))
ORDER BY f.id
`
		op = "feeds_lookup_candidates_inactive"
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, discordUserIDs, now, redditFeedPattern)
	metrics.ObserveNetworkRequest("postgres", op, "feeds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LookupKeyCandidate
	for rows.Next() {
		var c domain.LookupKeyCandidate
		if err := rows.Scan(&c.FeedID, &c.LookupKey); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

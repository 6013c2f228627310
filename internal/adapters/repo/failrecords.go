package repo

import (
	"context"
	"time"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// UpsertFailRecord реализует domain.FailRecordRepo. Повторная ошибка обновляет причину,
// время первой ошибки сохраняется.
func (p *Postgres) UpsertFailRecord(ctx context.Context, key domain.RequestKey, reason string, now time.Time) (domain.FailRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	rec := domain.FailRecord{Key: key}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO fail_records (key, url, lookup_key, reason, failed_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT (key) DO UPDATE SET reason = EXCLUDED.reason
RETURNING reason, failed_at, alerted
`, key.String(), key.URL, key.LookupKey, reason, now).Scan(&rec.Reason, &rec.FailedAt, &rec.Alerted)
	metrics.ObserveNetworkRequest("postgres", "fail_records_upsert", "fail_records", start, err)
	if err != nil {
		return domain.FailRecord{}, err
	}
	return rec, nil
}

// DeleteFailRecord реализует domain.FailRecordRepo.
func (p *Postgres) DeleteFailRecord(ctx context.Context, key domain.RequestKey) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM fail_records WHERE key = $1`, key.String())
	metrics.ObserveNetworkRequest("postgres", "fail_records_delete", "fail_records", start, err)
	return err
}

// ListFailedRecords реализует domain.FailRecordRepo.
func (p *Postgres) ListFailedRecords(ctx context.Context, failedBefore time.Time) ([]domain.FailRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT url, COALESCE(lookup_key, ''), COALESCE(reason, ''), failed_at, alerted
FROM fail_records WHERE failed_at < $1
ORDER BY failed_at
`, failedBefore)
	metrics.ObserveNetworkRequest("postgres", "fail_records_list_failed", "fail_records", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FailRecord
	for rows.Next() {
		var rec domain.FailRecord
		if err := rows.Scan(&rec.Key.URL, &rec.Key.LookupKey, &rec.Reason, &rec.FailedAt, &rec.Alerted); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkFailRecordAlerted реализует domain.FailRecordRepo.
func (p *Postgres) MarkFailRecordAlerted(ctx context.Context, key domain.RequestKey) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE fail_records SET alerted = true WHERE key = $1 AND NOT alerted`, key.String())
	metrics.ObserveNetworkRequest("postgres", "fail_records_mark_alerted", "fail_records", start, err)
	return err
}

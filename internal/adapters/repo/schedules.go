package repo

import (
	"context"
	"time"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// ListSchedules реализует domain.ScheduleRepo.
func (p *Postgres) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT name, keywords, feed_ids, refresh_rate_minutes FROM schedules ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "schedules_list", "schedules", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		if err := rows.Scan(&s.Name, &s.Keywords, &s.FeedIDs, &s.RefreshRateMinutes); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

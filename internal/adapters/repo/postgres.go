package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// pgxPool — подмножество pgxpool.Pool, используемое репозиторием.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool pgxPool
}

var (
	_ domain.FeedRepo       = (*Postgres)(nil)
	_ domain.FailRecordRepo = (*Postgres)(nil)
	_ domain.SupporterRepo  = (*Postgres)(nil)
	_ domain.ScheduleRepo   = (*Postgres)(nil)
	_ domain.UserRepo       = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool pgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Ping проверяет доступность БД.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.Ping(ctx)
	metrics.ObserveNetworkRequest("postgres", "ping", "postgres", start, err)
	return err
}

// keyCondition возвращает условие поиска лент по ключу запроса и значение параметра $1.
func keyCondition(alias string, key domain.RequestKey) (string, string) {
	if key.LookupKey != "" {
		return alias + "lookup_key = $1", key.LookupKey
	}
	return alias + "url = $1 AND " + alias + "lookup_key IS NULL", key.URL
}

func (p *Postgres) execBatch(ctx context.Context, batch *pgx.Batch, op, target string) error {
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", op+"_send_batch", target, start, nil)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", op+"_batch_exec", target, start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

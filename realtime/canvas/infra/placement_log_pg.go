package infra

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const placementSchema = `
CREATE TABLE IF NOT EXISTS pixel_placements (
	at       timestamptz NOT NULL,
	identity text        NOT NULL,
	origin   text        NOT NULL,
	canvas   smallint    NOT NULL,
	x        integer     NOT NULL,
	y        integer     NOT NULL,
	z        integer     NOT NULL,
	color    smallint    NOT NULL,
	code     smallint    NOT NULL
)`

var placementColumns = []string{"at", "identity", "origin", "canvas", "x", "y", "z", "color", "code"}

// PgDB é o pedaço do *pgxpool.Pool que o log usa.
type PgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var _ PgDB = (*pgxpool.Pool)(nil)

// PgPlacementLog grava o log de colocação no Postgres em lotes (COPY).
//
// Append só enfileira e nunca bloqueia: fila cheia descarta as entradas e
// incrementa Dropped. Run drena a fila; sem Run nada é gravado.
type PgPlacementLog struct {
	pool  PgDB
	queue chan domain.LogEntry
	table string

	batchSize  int
	flushEvery time.Duration
	log        *zap.Logger

	dropped atomic.Uint64
	written atomic.Uint64
}

type PgLogOption func(*PgPlacementLog)

func WithLogQueue(n int) PgLogOption {
	return func(l *PgPlacementLog) {
		if n > 0 {
			l.queue = make(chan domain.LogEntry, n)
		}
	}
}

func WithLogBatch(size int, every time.Duration) PgLogOption {
	return func(l *PgPlacementLog) {
		if size > 0 {
			l.batchSize = size
		}
		if every > 0 {
			l.flushEvery = every
		}
	}
}

func WithLogLogger(z *zap.Logger) PgLogOption {
	return func(l *PgPlacementLog) {
		if z != nil {
			l.log = z
		}
	}
}

var _ domain.PlacementLog = (*PgPlacementLog)(nil)

func NewPgPlacementLog(pool PgDB, opts ...PgLogOption) *PgPlacementLog {
	l := &PgPlacementLog{
		pool:       pool,
		queue:      make(chan domain.LogEntry, 8192),
		table:      "pixel_placements",
		batchSize:  500,
		flushEvery: time.Second,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PgPlacementLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, placementSchema); err != nil {
		return fmt.Errorf("ensure placement schema: %w", err)
	}
	return nil
}

func (l *PgPlacementLog) Append(_ context.Context, entries []domain.LogEntry) error {
	for i, e := range entries {
		select {
		case l.queue <- e:
		default:
			l.dropped.Add(uint64(len(entries) - i))
			return nil
		}
	}
	return nil
}

// Run grava em lotes até o ctx encerrar; no encerramento faz um último flush.
func (l *PgPlacementLog) Run(ctx context.Context) {
	t := time.NewTicker(l.flushEvery)
	defer t.Stop()

	batch := make([]domain.LogEntry, 0, l.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.copy(ctx, batch); err != nil {
			l.dropped.Add(uint64(len(batch)))
			l.log.Warn("placement log flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		} else {
			l.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush(ctx)
			}
		case <-t.C:
			flush(ctx)
		}
	}
}

func (l *PgPlacementLog) copy(ctx context.Context, batch []domain.LogEntry) error {
	_, err := l.pool.CopyFrom(ctx, pgx.Identifier{l.table}, placementColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			e := batch[i]
			return []any{
				e.At, string(e.Identity), e.Origin, int16(e.Canvas),
				int32(e.X), int32(e.Y), int32(e.Z), int16(e.Color), int16(e.Code),
			}, nil
		}))
	return err
}

func (l *PgPlacementLog) Dropped() uint64 { return l.dropped.Load() }
func (l *PgPlacementLog) Written() uint64 { return l.written.Load() }

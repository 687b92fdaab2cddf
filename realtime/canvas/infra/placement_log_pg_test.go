package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB guarda as linhas recebidas por CopyFrom.
type fakeDB struct {
	mu    sync.Mutex
	rows  [][]any
	calls int
	err   error
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		f.rows = append(f.rows, vals)
		n++
	}
	return n, nil
}

func (f *fakeDB) snapshot() (rows, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), f.calls
}

func logEntries(n int) []domain.LogEntry {
	out := make([]domain.LogEntry, n)
	for i := range out {
		out[i] = domain.LogEntry{
			At:       time.UnixMilli(int64(i)),
			Identity: domain.UserIdentity("1"),
			Origin:   "10.0.0.1",
			X:        i,
			Color:    3,
			Code:     domain.RetOK,
		}
	}
	return out
}

func TestPgPlacementLog_AppendDropsWhenQueueFull(t *testing.T) {
	l := NewPgPlacementLog(&fakeDB{}, WithLogQueue(2))

	require.NoError(t, l.Append(context.Background(), logEntries(5)))
	assert.Equal(t, uint64(3), l.Dropped())

	require.NoError(t, l.Append(context.Background(), logEntries(1)))
	assert.Equal(t, uint64(4), l.Dropped())
}

func TestPgPlacementLog_FlushesOnShutdown(t *testing.T) {
	db := &fakeDB{}
	l := NewPgPlacementLog(db, WithLogBatch(100, time.Hour))
	require.NoError(t, l.Append(context.Background(), logEntries(3)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	rows, _ := db.snapshot()
	assert.Equal(t, 3, rows)
	assert.Equal(t, uint64(3), l.Written())
	assert.Zero(t, l.Dropped())
}

func TestPgPlacementLog_FlushesFullBatch(t *testing.T) {
	db := &fakeDB{}
	l := NewPgPlacementLog(db, WithLogBatch(2, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.NoError(t, l.Append(ctx, logEntries(2)))
	require.Eventually(t, func() bool {
		rows, calls := db.snapshot()
		return rows == 2 && calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	db.mu.Lock()
	first := db.rows[0]
	db.mu.Unlock()
	assert.Len(t, first, len(placementColumns))
	assert.Equal(t, "u:1", first[1])
}

func TestPgPlacementLog_FailedCopyCountsAsDropped(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	l := NewPgPlacementLog(db, WithLogBatch(2, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.NoError(t, l.Append(ctx, logEntries(2)))
	require.Eventually(t, func() bool { return l.Dropped() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, l.Written())
}

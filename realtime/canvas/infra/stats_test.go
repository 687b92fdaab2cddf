package infra

import (
	"context"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPixelStats_Aggregates(t *testing.T) {
	s := NewMemoryPixelStats(WithTrackIdentities(true))
	ctx := context.Background()

	_ = s.Record(ctx, domain.PixelEvent{Identity: "u:1", Canvas: 0, Country: "br", Count: 5, Ranked: true})
	_ = s.Record(ctx, domain.PixelEvent{Identity: "u:1", Canvas: 1, Count: 2})
	_ = s.Record(ctx, domain.PixelEvent{Identity: "u:2", Canvas: 0, Count: 0})

	assert.Equal(t, Counters{Pixels: 7, Ranked: 5}, s.Total())
	assert.Equal(t, Counters{Pixels: 5, Ranked: 5}, s.ByCanvas()[0])
	assert.Equal(t, Counters{Pixels: 5, Ranked: 5}, s.ByCountry()["br"])
	assert.Equal(t, int64(7), s.ByIdentity()["u:1"].Pixels)
	_, seen := s.ByIdentity()["u:2"]
	assert.False(t, seen, "events without pixels are ignored")
}

func TestRedisPixelStats_Record(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisPixelStats(rdb, WithStatsBucket("day"), WithStatsTrackIdentities(true))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(context.Background(), domain.PixelEvent{
		Identity: "u:7", Canvas: 0, Country: "BR", Count: 4, Ranked: true, At: at,
	}))

	assert.Equal(t, "4", mr.HGet("pixels:stats:total", "0"))
	assert.Equal(t, "4", mr.HGet("pixels:stats:ranked", "0"))
	assert.Equal(t, "4", mr.HGet("pixels:stats:day:20260301", "0"))
	assert.Equal(t, "4", mr.HGet("pixels:stats:country:0", "br"))
	assert.Equal(t, "4", mr.HGet("pixels:stats:identity:u:7", "0"))
	assert.Equal(t, 24*time.Hour, mr.TTL("pixels:stats:day:20260301"))
}

func TestPresence_TotalsAcrossNodes(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	for name, p := range map[string]domain.PresenceStore{
		"redis":  NewRedisPresence(rdb, "", time.Minute),
		"memory": NewMemoryPresence(),
	} {
		require.NoError(t, p.Report(ctx, "n1", map[domain.CanvasID]int{0: 10, 1: 2}), name)
		require.NoError(t, p.Report(ctx, "n2", map[domain.CanvasID]int{0: 5}), name)
		// novo relatório substitui o anterior do mesmo nó
		require.NoError(t, p.Report(ctx, "n2", map[domain.CanvasID]int{0: 6}), name)

		got, err := p.Totals(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, map[domain.CanvasID]int{0: 16, 1: 2}, got, name)
	}
}

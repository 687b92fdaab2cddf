package infra

import (
	"context"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func fiveAt(cost int64) []int64 { return []int64{cost, cost, cost, cost, cost} }

func TestRedisAdmissionStore_MatchesPureRule(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRedisAdmissionStore(rdb)
	mem := NewMemoryAdmissionStore()
	ctx := context.Background()

	reqs := []domain.AdmitRequest{
		{Key: "cd:0:u:1", NowMs: 1000, CapMs: 20000, CostsMs: fiveAt(2000)},
		{Key: "cd:0:u:1", NowMs: 2000, CapMs: 20000, CostsMs: fiveAt(2000)},
		{Key: "cd:0:u:1", NowMs: 2500, CapMs: 20000, CostsMs: fiveAt(2000)},
		{Key: "cd:0:ip:9", NowMs: 0, CapMs: 60000, FirstCostMs: 30000, CostsMs: []int64{0, 6000, 6000}},
		{Key: "cd:0:ip:8", NowMs: 0, CapMs: 20000, CreditMs: 19000, CostsMs: fiveAt(2000)},
	}
	for i, req := range reqs {
		got, err := store.Admit(ctx, req)
		require.NoError(t, err, "request %d", i)
		want, _ := mem.Admit(ctx, req)
		assert.Equal(t, want, got, "request %d", i)
		assert.LessOrEqual(t, got.RemainingMs, req.CapMs)
	}
}

func TestRedisAdmissionStore_ExpiresWithCooldown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisAdmissionStore(rdb)
	ctx := context.Background()

	out, err := store.Admit(ctx, domain.AdmitRequest{Key: "cd:0:u:1", NowMs: time.Now().UnixMilli(), CapMs: 20000, CostsMs: fiveAt(2000)})
	require.NoError(t, err)
	require.Equal(t, 5, out.Admitted)

	ttl := mr.TTL("cd:0:u:1")
	assert.Equal(t, 10*time.Second, ttl)

	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists("cd:0:u:1"))
}

func TestRedisAdmissionStore_NothingChargedDoesNotTouchKey(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisAdmissionStore(rdb)

	out, err := store.Admit(context.Background(), domain.AdmitRequest{Key: "cd:0:u:1", CapMs: 20000, CostsMs: []int64{0, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Admitted)
	assert.Zero(t, out.ChargedMs)
	assert.False(t, mr.Exists("cd:0:u:1"))
}

func TestRedisAdmissionStore_ReputationCache(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRedisAdmissionStore(rdb)
	ctx := context.Background()
	req := domain.AdmitRequest{Key: "cd:0:ip:1.2.3.4", Origin: "1.2.3.4", CheckOrigin: true, CapMs: 20000, CostsMs: fiveAt(2000)}

	out, err := store.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.NeedProxycheck)
	assert.Equal(t, domain.RetOK, out.Denied)

	require.NoError(t, store.RecordReputation(ctx, "1.2.3.4", domain.RetProxy, time.Hour))
	out, err = store.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.RetProxy, out.Denied)
	assert.Zero(t, out.Admitted)
	assert.Zero(t, out.ChargedMs)

	require.NoError(t, store.RecordReputation(ctx, "5.6.7.8", domain.RetOK, time.Hour))
	req.Origin = "5.6.7.8"
	req.Key = "cd:0:ip:5.6.7.8"
	out, err = store.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, out.NeedProxycheck)
}

func TestRedisAdmissionStore_Refund(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisAdmissionStore(rdb)
	ctx := context.Background()
	now := time.UnixMilli(50000)

	_, err := store.Admit(ctx, domain.AdmitRequest{Key: "k", NowMs: now.UnixMilli(), CapMs: 20000, CostsMs: fiveAt(2000)})
	require.NoError(t, err)

	require.NoError(t, store.Refund(ctx, "k", 4000, now))
	rem, err := store.Remaining(ctx, "k", now)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), rem)

	require.NoError(t, store.Refund(ctx, "k", 10000, now))
	assert.False(t, mr.Exists("k"))
	rem, err = store.Remaining(ctx, "k", now)
	require.NoError(t, err)
	assert.Zero(t, rem)
}

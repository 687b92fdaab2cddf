package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelays(t *testing.T, ctx context.Context, rdb *redis.Client, relays ...*RedisRelay) {
	t.Helper()
	for _, r := range relays {
		go func(r *RedisRelay) { _ = r.Run(ctx) }(r)
	}
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, DefaultRelayChannel).Result()
		return err == nil && n[DefaultRelayChannel] == int64(len(relays))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisRelay_EveryNodeDeliversFromChannel(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regA, regB := NewRegistry(0), NewRegistry(0)
	relayA := NewRedisRelay(rdb, regA)
	relayB := NewRedisRelay(rdb, regB)
	require.NotEqual(t, relayA.NodeID(), relayB.NodeID())

	key := domain.ChunkKey{Canvas: 0, X: 4, Y: 5}
	subA := newChanSub("a", 8)
	subB := newChanSub("b", 8)
	require.NoError(t, regA.Subscribe(subA, key))
	require.NoError(t, regB.Subscribe(subB, key))
	startRelays(t, ctx, rdb, relayA, relayB)

	relayA.Publish(ctx, key, []domain.PixelChange{{Offset: 42, Color: 6}})

	var got []byte
	require.Eventually(t, func() bool {
		select {
		case got = <-subB.ch:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{0xC2, 0, 4, 5, 0, 0, 42, 6}, got)

	// o nó de origem também recebe pelo canal, uma vez só
	require.Eventually(t, func() bool { return len(subA.ch) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, subA.diffs(t), 1)
}

func TestRedisRelay_CommitWritesChunk(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	store := NewRedisChunkStore(rdb, testCatalog())
	relay := NewRedisRelay(rdb, NewRegistry(0), WithRelayChunks(store))

	key := domain.ChunkKey{Canvas: 0, X: 1, Y: 0}
	require.NoError(t, relay.Commit(ctx, key, []domain.PixelChange{{Offset: 3, Color: 7}, {Offset: 0, Color: 0}, {Offset: 9, Color: 2}}))

	buf, err := store.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, byte(7), buf[3])
	assert.Equal(t, byte(2), buf[9])
	assert.Zero(t, buf[0])
}

func TestRedisRelay_CommitWithoutChunkStore(t *testing.T) {
	_, rdb := newTestRedis(t)
	relay := NewRedisRelay(rdb, NewRegistry(0))

	err := relay.Commit(context.Background(), domain.ChunkKey{}, []domain.PixelChange{{Offset: 1, Color: 1}})
	assert.ErrorIs(t, err, errRelayWithoutChunks)
}

// Dois nós escrevendo o mesmo offset: o último diff visto por cada nó tem de
// bater com o que ficou gravado.
func TestRedisRelay_TwoNodesAgreeOnLastWrite(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewRedisChunkStore(rdb, testCatalog())
	regA, regB := NewRegistry(0), NewRegistry(0)
	relayA := NewRedisRelay(rdb, regA, WithRelayChunks(store))
	relayB := NewRedisRelay(rdb, regB, WithRelayChunks(store))

	key := domain.ChunkKey{Canvas: 0, X: 0, Y: 0}
	const writes = 40
	subA := newChanSub("a", 2*writes)
	subB := newChanSub("b", 2*writes)
	require.NoError(t, regA.Subscribe(subA, key))
	require.NoError(t, regB.Subscribe(subB, key))
	startRelays(t, ctx, rdb, relayA, relayB)

	var wg sync.WaitGroup
	for i := 0; i < writes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := relayA
			if i%2 == 1 {
				r = relayB
			}
			assert.NoError(t, r.Commit(ctx, key, []domain.PixelChange{{Offset: 42, Color: uint8(1 + i%7)}}))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(subA.ch) == writes && len(subB.ch) == writes
	}, 2*time.Second, 10*time.Millisecond)

	buf, err := store.Read(ctx, key)
	require.NoError(t, err)

	seenA, seenB := subA.diffs(t), subB.diffs(t)
	for i := range seenA {
		assert.Equal(t, seenA[i].Pixels, seenB[i].Pixels, "nodes diverge at message %d", i)
	}
	assert.Equal(t, buf[42], seenA[len(seenA)-1].Pixels[0].Color)
}

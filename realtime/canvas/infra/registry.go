package infra

import (
	"context"
	"sync"
	"sync/atomic"

	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 64

// Registry é o índice bidirecional chunk -> conexões e conexão -> chunks,
// e também o broadcaster local (implementa domain.Publisher).
//
// Os dois lados são particionados em 64 shards por hash; não existe lock global.
// Ordem de locks: shard da conexão antes do shard do chunk.
type Registry struct {
	chunks [registryShards]chunkShard
	conns  [registryShards]connShard

	maxPerConn int

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type chunkShard struct {
	mu   sync.RWMutex
	subs map[domain.ChunkKey]map[string]domain.Subscriber
}

type connShard struct {
	mu   sync.Mutex
	keys map[string]map[domain.ChunkKey]struct{}
}

type RegistryStats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

var (
	_ domain.SubscriptionRegistry = (*Registry)(nil)
	_ domain.Publisher            = (*Registry)(nil)
)

// NewRegistry cria o índice. maxPerConn <= 0 significa sem limite.
func NewRegistry(maxPerConn int) *Registry {
	r := &Registry{maxPerConn: maxPerConn}
	for i := range r.chunks {
		r.chunks[i].subs = make(map[domain.ChunkKey]map[string]domain.Subscriber)
		r.conns[i].keys = make(map[string]map[domain.ChunkKey]struct{})
	}
	return r
}

func (r *Registry) chunkShard(k domain.ChunkKey) *chunkShard {
	return &r.chunks[xxhash.Sum64String(k.String())%registryShards]
}

func (r *Registry) connShard(id string) *connShard {
	return &r.conns[xxhash.Sum64String(id)%registryShards]
}

// Subscribe inscreve a conexão no chunk. Passar do limite por conexão é
// recusado com domain.ErrTooManySubscriptions (nunca descartado em silêncio).
// Reinscrever num chunk já inscrito não conta de novo.
func (r *Registry) Subscribe(sub domain.Subscriber, key domain.ChunkKey) error {
	if sub == nil {
		return domain.ErrNilSubscriber
	}
	id := sub.ID()

	cs := r.connShard(id)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	keys := cs.keys[id]
	if _, ok := keys[key]; ok {
		return nil
	}
	if r.maxPerConn > 0 && len(keys) >= r.maxPerConn {
		return domain.ErrTooManySubscriptions
	}
	if keys == nil {
		keys = make(map[domain.ChunkKey]struct{})
		cs.keys[id] = keys
	}
	keys[key] = struct{}{}

	ks := r.chunkShard(key)
	ks.mu.Lock()
	set := ks.subs[key]
	if set == nil {
		set = make(map[string]domain.Subscriber)
		ks.subs[key] = set
	}
	set[id] = sub
	ks.mu.Unlock()
	return nil
}

func (r *Registry) Unsubscribe(subID string, key domain.ChunkKey) {
	cs := r.connShard(subID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	keys, ok := cs.keys[subID]
	if !ok {
		return
	}
	if _, ok := keys[key]; !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(cs.keys, subID)
	}
	r.removeFromChunk(subID, key)
}

// UnsubscribeAll limpa todas as inscrições da conexão (desconexão ou troca de canvas).
func (r *Registry) UnsubscribeAll(subID string) {
	cs := r.connShard(subID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	keys := cs.keys[subID]
	delete(cs.keys, subID)
	for key := range keys {
		r.removeFromChunk(subID, key)
	}
}

func (r *Registry) removeFromChunk(subID string, key domain.ChunkKey) {
	ks := r.chunkShard(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	set := ks.subs[key]
	delete(set, subID)
	if len(set) == 0 {
		delete(ks.subs, key)
	}
}

// Publish codifica o diff uma vez e enfileira o frame em cada inscrito do chunk.
//
// A ordem entre dois Publish do mesmo chunk é a ordem das chamadas: quem chama
// (o pipeline) serializa os commits de um chunk, e cada inscrito tem fila FIFO.
// Inscrito lento ou fechado perde o frame; os demais não esperam.
func (r *Registry) Publish(_ context.Context, key domain.ChunkKey, diff []domain.PixelChange) {
	if len(diff) == 0 {
		return
	}
	r.published.Add(1)

	ks := r.chunkShard(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	set := ks.subs[key]
	if len(set) == 0 {
		return
	}
	frame := protocol.Encode(protocol.ChunkDiff{
		Canvas: key.Canvas,
		Chunk:  protocol.ChunkCoord{X: uint8(key.X), Y: uint8(key.Y)},
		Pixels: diff,
	})
	for _, sub := range set {
		if sub.Deliver(frame) {
			r.delivered.Add(1)
		} else {
			r.dropped.Add(1)
		}
	}
}

func (r *Registry) Subscribers(key domain.ChunkKey) int {
	ks := r.chunkShard(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.subs[key])
}

func (r *Registry) Subscriptions(subID string) int {
	cs := r.connShard(subID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.keys[subID])
}

func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}

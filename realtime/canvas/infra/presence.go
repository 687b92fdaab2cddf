package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/redis/go-redis/v9"
)

// RedisPresence publica a contagem de conexões de cada nó num hash
// `<prefix>:<node>` com TTL; um nó que some deixa de contar quando a chave expira.
type RedisPresence struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.PresenceStore = (*RedisPresence)(nil)

func NewRedisPresence(rdb *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "online"
	}
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisPresence{rdb: rdb, prefix: strings.Trim(prefix, ":"), ttl: ttl}
}

func (p *RedisPresence) Report(ctx context.Context, node string, counts map[domain.CanvasID]int) error {
	key := p.prefix + ":" + node
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(counts) > 0 {
		fields := make([]interface{}, 0, 2*len(counts))
		for id, n := range counts {
			fields = append(fields, strconv.Itoa(int(id)), n)
		}
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence report: %w", err)
	}
	return nil
}

func (p *RedisPresence) Totals(ctx context.Context) (map[domain.CanvasID]int, error) {
	out := make(map[domain.CanvasID]int)
	iter := p.rdb.Scan(ctx, 0, p.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		vals, err := p.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("presence totals: %w", err)
		}
		for f, v := range vals {
			id, err1 := strconv.Atoi(f)
			n, err2 := strconv.Atoi(v)
			if err1 != nil || err2 != nil || id < 0 || id > 255 {
				continue
			}
			out[domain.CanvasID(id)] += n
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence totals: %w", err)
	}
	return out, nil
}

// MemoryPresence agrega os relatórios em memória (processo único).
type MemoryPresence struct {
	mu    sync.Mutex
	nodes map[string]map[domain.CanvasID]int
}

var _ domain.PresenceStore = (*MemoryPresence)(nil)

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{nodes: make(map[string]map[domain.CanvasID]int)}
}

func (p *MemoryPresence) Report(_ context.Context, node string, counts map[domain.CanvasID]int) error {
	cp := make(map[domain.CanvasID]int, len(counts))
	for k, v := range counts {
		cp[k] = v
	}
	p.mu.Lock()
	p.nodes[node] = cp
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Totals(_ context.Context) (map[domain.CanvasID]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.CanvasID]int)
	for _, counts := range p.nodes {
		for id, n := range counts {
			out[id] += n
		}
	}
	return out, nil
}

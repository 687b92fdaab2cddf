package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/redis/go-redis/v9"
)

// RedisChunkStore guarda cada chunk como uma string binária no Redis.
// Cada pixel é um SETRANGE de um byte: atômico por offset, sem coordenação
// entre offsets. Chunks nunca escritos são lidos como zeros.
type RedisChunkStore struct {
	rdb     *redis.Client
	catalog domain.CanvasCatalog
	prefix  string
}

type RedisChunkOption func(*RedisChunkStore)

func WithChunkPrefix(prefix string) RedisChunkOption {
	return func(s *RedisChunkStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisChunkStore(rdb *redis.Client, catalog domain.CanvasCatalog, opts ...RedisChunkOption) *RedisChunkStore {
	s := &RedisChunkStore{rdb: rdb, catalog: catalog, prefix: "ch"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisChunkStore) key(k domain.ChunkKey) string {
	return s.prefix + ":" + k.String()
}

func (s *RedisChunkStore) Read(ctx context.Context, key domain.ChunkKey) ([]byte, error) {
	cv, ok := s.catalog.Canvas(key.Canvas)
	if !ok {
		return nil, fmt.Errorf("%w %d", domain.ErrUnknownCanvas, key.Canvas)
	}
	length := cv.ChunkLen()

	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read chunk %s: %w", key, err)
	}
	// SETRANGE só cresce a string até o maior offset escrito; completa com zeros.
	buf := make([]byte, length)
	copy(buf, raw)
	return buf, nil
}

func (s *RedisChunkStore) WriteOffsets(ctx context.Context, key domain.ChunkKey, changes []domain.PixelChange) error {
	if len(changes) == 0 {
		return nil
	}
	k := s.key(key)
	pipe := s.rdb.Pipeline()
	for _, ch := range changes {
		pipe.SetRange(ctx, k, int64(ch.Offset), string([]byte{ch.Color}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write chunk %s: %w", key, err)
	}
	return nil
}

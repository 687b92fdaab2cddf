package infra

import (
	"context"
	"fmt"
	"sync"

	"canvas-gateway/realtime/canvas/domain"
)

// MemoryChunkStore mantém os buffers em memória, um lock por chunk.
// O comprimento de cada buffer vem do catálogo e nunca muda depois de criado.
type MemoryChunkStore struct {
	catalog domain.CanvasCatalog

	mu     sync.Mutex
	chunks map[domain.ChunkKey]*memChunk
}

type memChunk struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMemoryChunkStore(catalog domain.CanvasCatalog) *MemoryChunkStore {
	return &MemoryChunkStore{
		catalog: catalog,
		chunks:  make(map[domain.ChunkKey]*memChunk),
	}
}

func (s *MemoryChunkStore) chunk(key domain.ChunkKey) (*memChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chunks[key]; ok {
		return c, nil
	}
	cv, ok := s.catalog.Canvas(key.Canvas)
	if !ok {
		return nil, fmt.Errorf("%w %d", domain.ErrUnknownCanvas, key.Canvas)
	}
	c := &memChunk{buf: make([]byte, cv.ChunkLen())}
	s.chunks[key] = c
	return c, nil
}

func (s *MemoryChunkStore) Read(_ context.Context, key domain.ChunkKey) ([]byte, error) {
	c, err := s.chunk(key)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out, nil
}

func (s *MemoryChunkStore) WriteOffsets(_ context.Context, key domain.ChunkKey, changes []domain.PixelChange) error {
	c, err := s.chunk(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range changes {
		if int(ch.Offset) >= len(c.buf) {
			return fmt.Errorf("offset %d out of chunk %s", ch.Offset, key)
		}
		c.buf[ch.Offset] = ch.Color
	}
	return nil
}

package infra

import (
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"golang.org/x/time/rate"
)

// FloodStore limita as mensagens de entrada do socket por origem, com
// token-bucket (x/time/rate), cache por chave e limpeza periódica.
//
// Várias conexões da mesma origem compartilham o mesmo bucket.
type FloodStore struct {
	mu           sync.Mutex
	entries      map[domain.Key]*floodEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type floodEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type FloodOption func(*FloodStore)

func WithIdleTTL(d time.Duration) FloodOption {
	return func(s *FloodStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) FloodOption {
	return func(s *FloodStore) { s.cleanupEvery = d }
}

func NewFloodStore(rps float64, burst int, opts ...FloodOption) *FloodStore {
	s := &FloodStore{
		entries:      make(map[domain.Key]*floodEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      10 * time.Minute,
		cleanupEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FloodStore) RPS() float64 { return float64(s.rps) }
func (s *FloodStore) Burst() int   { return s.burst }

// Get implementa domain.LimiterStore.
func (s *FloodStore) Get(key domain.Key) domain.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &floodEntry{lim: lim, lastSeen: now}
	return lim
}

// Reload troca taxa e burst em tempo de execução, inclusive dos buckets já criados.
func (s *FloodStore) Reload(rps float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rps = rate.Limit(rps)
	s.burst = burst
	for _, ent := range s.entries {
		ent.lim.SetLimit(s.rps)
		ent.lim.SetBurst(burst)
	}
}

func (s *FloodStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *FloodStore) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *FloodStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// Usado pelos janitors/reapers deste pacote.
type DoneContext interface {
	Done() <-chan struct{}
}

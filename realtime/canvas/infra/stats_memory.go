package infra

import (
	"context"
	"sync"

	"canvas-gateway/realtime/canvas/domain"
)

type Counters struct {
	Pixels int64
	Ranked int64
}

// MemoryPixelStats é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryPixelStats struct {
	mu         sync.Mutex
	total      Counters
	byCanvas   map[domain.CanvasID]Counters
	byCountry  map[string]Counters
	byIdentity map[domain.Identity]Counters

	trackIdentities bool
}

type MemoryStatsOption func(*MemoryPixelStats)

func WithTrackIdentities(track bool) MemoryStatsOption {
	return func(s *MemoryPixelStats) { s.trackIdentities = track }
}

func NewMemoryPixelStats(opts ...MemoryStatsOption) *MemoryPixelStats {
	s := &MemoryPixelStats{
		byCanvas:   make(map[domain.CanvasID]Counters),
		byCountry:  make(map[string]Counters),
		byIdentity: make(map[domain.Identity]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (c Counters) add(ev domain.PixelEvent) Counters {
	c.Pixels += int64(ev.Count)
	if ev.Ranked {
		c.Ranked += int64(ev.Count)
	}
	return c
}

func (s *MemoryPixelStats) Record(_ context.Context, ev domain.PixelEvent) error {
	if ev.Count <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = s.total.add(ev)
	s.byCanvas[ev.Canvas] = s.byCanvas[ev.Canvas].add(ev)
	if ev.Country != "" {
		s.byCountry[ev.Country] = s.byCountry[ev.Country].add(ev)
	}
	if s.trackIdentities {
		s.byIdentity[ev.Identity] = s.byIdentity[ev.Identity].add(ev)
	}
	return nil
}

func (s *MemoryPixelStats) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryPixelStats) ByCanvas() map[domain.CanvasID]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.CanvasID]Counters, len(s.byCanvas))
	for k, v := range s.byCanvas {
		out[k] = v
	}
	return out
}

func (s *MemoryPixelStats) ByCountry() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byCountry))
	for k, v := range s.byCountry {
		out[k] = v
	}
	return out
}

func (s *MemoryPixelStats) ByIdentity() map[domain.Identity]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Identity]Counters, len(s.byIdentity))
	for k, v := range s.byIdentity {
		out[k] = v
	}
	return out
}

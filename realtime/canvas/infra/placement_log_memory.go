package infra

import (
	"context"
	"sync"

	"canvas-gateway/realtime/canvas/domain"
)

// MemoryPlacementLog guarda as entradas em memória (testes e servidor de exemplo).
// Com limit > 0 mantém só as últimas `limit` entradas.
type MemoryPlacementLog struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	limit   int
}

var _ domain.PlacementLog = (*MemoryPlacementLog)(nil)

func NewMemoryPlacementLog(limit int) *MemoryPlacementLog {
	return &MemoryPlacementLog{limit: limit}
}

func (l *MemoryPlacementLog) Append(_ context.Context, entries []domain.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entries...)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append([]domain.LogEntry(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	return nil
}

func (l *MemoryPlacementLog) Entries() []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LogEntry(nil), l.entries...)
}

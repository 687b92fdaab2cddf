package domain

import (
	"context"
	"time"
)

// PixelEvent representa pixels efetivamente commitados por uma requisição,
// exposto para estatísticas externas (rankings, contadores).
//
// Observação: cuidado com cardinalidade (ex.: salvar Identity sem controle pode
// explodir o número de chaves em uma base como Redis).
type PixelEvent struct {
	Identity Identity
	Canvas   CanvasID
	Country  string
	Count    int
	Ranked   bool

	At time.Time
}

// PixelStats é a estratégia de persistência para as estatísticas de pixels.
//
// Implementações podem armazenar em Redis, memória, etc.
// O pipeline trata erro como best-effort (não derruba a requisição).
type PixelStats interface {
	Record(ctx context.Context, ev PixelEvent) error
}

// PresenceStore agrega a contagem de conexões online entre processos.
type PresenceStore interface {
	Report(ctx context.Context, node string, counts map[CanvasID]int) error
	Totals(ctx context.Context) (map[CanvasID]int, error)
}

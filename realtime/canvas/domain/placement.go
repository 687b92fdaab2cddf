package domain

import (
	"context"
	"time"
)

// PixelRequest vive apenas durante uma execução do pipeline.
type PixelRequest struct {
	Requester   Requester
	Canvas      CanvasID
	ChunkX      int
	ChunkY      int
	ConnectedAt time.Time
	Pixels      []PixelChange
}

// PlacementResult é a resposta enviada ao cliente.
//
// WaitMs é o cooldown restante efetivo após o commit (próximo envio permitido);
// CoolDownMs é o quanto esta requisição adicionou.
type PlacementResult struct {
	RetCode      RetCode
	WaitMs       int64
	CoolDownMs   int64
	PxlCnt       int
	RankedPxlCnt int
}

// LogEntry é uma tentativa de pixel no log de colocação (append-only).
// Inclui tentativas recusadas, para auditoria.
type LogEntry struct {
	At       time.Time
	Identity Identity
	Origin   string
	Canvas   CanvasID
	X, Y, Z  int
	Color    uint8
	Code     RetCode
}

// PlacementLog é consumido por análises externas, não pelo núcleo.
// Implementações devem ser best-effort: o pipeline nunca falha por causa do log.
type PlacementLog interface {
	Append(ctx context.Context, entries []LogEntry) error
}

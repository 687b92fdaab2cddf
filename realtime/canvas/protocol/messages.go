package protocol

import "canvas-gateway/realtime/canvas/domain"

// Opcodes do protocolo binário. O primeiro byte de cada frame.
const (
	OpRegisterCanvas       byte = 0xA0
	OpRegisterChunk        byte = 0xA1
	OpDeregisterChunk      byte = 0xA2
	OpRegisterChunks       byte = 0xA3
	OpDeregisterChunks     byte = 0xA4
	OpSubscriptionRejected byte = 0xA5
	OpOnlineCounter        byte = 0xA7
	OpPlacementRequest     byte = 0xC1
	OpChunkDiff            byte = 0xC2
	OpPlacementResult      byte = 0xC3
)

// MaxBatch é o maior lote de pixels que cabe num PlacementRequest/ChunkDiff.
const MaxBatch = 255

// Message é a união fechada das mensagens conhecidas. Só os tipos deste
// pacote a implementam.
type Message interface {
	Opcode() byte
	isMessage()
}

type ChunkCoord struct {
	X, Y uint8
}

// RegisterCanvas escolhe o canvas das inscrições e colocações seguintes.
type RegisterCanvas struct {
	Canvas domain.CanvasID
}

type RegisterChunk struct{ Chunk ChunkCoord }

type DeregisterChunk struct{ Chunk ChunkCoord }

type RegisterChunks struct{ Chunks []ChunkCoord }

type DeregisterChunks struct{ Chunks []ChunkCoord }

// SubscriptionRejected avisa que a inscrição passou do limite por conexão.
type SubscriptionRejected struct{ Chunk ChunkCoord }

type CanvasCount struct {
	Canvas domain.CanvasID
	Count  uint16
}

// OnlineCounter é o broadcast periódico de presença, independente de inscrições.
type OnlineCounter struct {
	Total    uint16
	Canvases []CanvasCount
}

type PlacementRequest struct {
	Chunk  ChunkCoord
	Pixels []domain.PixelChange
}

// ChunkDiff é empurrado só para os inscritos do chunk.
type ChunkDiff struct {
	Canvas domain.CanvasID
	Chunk  ChunkCoord
	Pixels []domain.PixelChange
}

type PlacementResult struct {
	RetCode      domain.RetCode
	WaitMs       uint32
	CoolDownMs   uint32
	PxlCnt       uint8
	RankedPxlCnt uint8
}

func (RegisterCanvas) Opcode() byte       { return OpRegisterCanvas }
func (RegisterChunk) Opcode() byte        { return OpRegisterChunk }
func (DeregisterChunk) Opcode() byte      { return OpDeregisterChunk }
func (RegisterChunks) Opcode() byte       { return OpRegisterChunks }
func (DeregisterChunks) Opcode() byte     { return OpDeregisterChunks }
func (SubscriptionRejected) Opcode() byte { return OpSubscriptionRejected }
func (OnlineCounter) Opcode() byte        { return OpOnlineCounter }
func (PlacementRequest) Opcode() byte     { return OpPlacementRequest }
func (ChunkDiff) Opcode() byte            { return OpChunkDiff }
func (PlacementResult) Opcode() byte      { return OpPlacementResult }

func (RegisterCanvas) isMessage()       {}
func (RegisterChunk) isMessage()        {}
func (DeregisterChunk) isMessage()      {}
func (RegisterChunks) isMessage()       {}
func (DeregisterChunks) isMessage()     {}
func (SubscriptionRejected) isMessage() {}
func (OnlineCounter) isMessage()        {}
func (PlacementRequest) isMessage()     {}
func (ChunkDiff) isMessage()            {}
func (PlacementResult) isMessage()      {}

// ResultFrom converte o resultado do pipeline para o formato do fio,
// saturando valores que não cabem nos campos.
func ResultFrom(r domain.PlacementResult) PlacementResult {
	return PlacementResult{
		RetCode:      r.RetCode,
		WaitMs:       clampU32(r.WaitMs),
		CoolDownMs:   clampU32(r.CoolDownMs),
		PxlCnt:       clampU8(r.PxlCnt),
		RankedPxlCnt: clampU8(r.RankedPxlCnt),
	}
}

func clampU32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > 1<<32-1:
		return 1<<32 - 1
	}
	return uint32(v)
}

func clampU8(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"canvas-gateway/realtime/canvas/domain"
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrMalformed     = errors.New("malformed frame")
	ErrBatchTooLarge = errors.New("pixel batch too large")
)

const pixelSize = 4 // u24 offset + u8 cor

// Encode serializa uma mensagem em um frame binário (big-endian).
func Encode(m Message) []byte {
	switch v := m.(type) {
	case RegisterCanvas:
		return []byte{OpRegisterCanvas, byte(v.Canvas)}
	case RegisterChunk:
		return []byte{OpRegisterChunk, v.Chunk.X, v.Chunk.Y}
	case DeregisterChunk:
		return []byte{OpDeregisterChunk, v.Chunk.X, v.Chunk.Y}
	case RegisterChunks:
		return appendCoords([]byte{OpRegisterChunks}, v.Chunks)
	case DeregisterChunks:
		return appendCoords([]byte{OpDeregisterChunks}, v.Chunks)
	case SubscriptionRejected:
		return []byte{OpSubscriptionRejected, v.Chunk.X, v.Chunk.Y}
	case OnlineCounter:
		b := make([]byte, 3, 3+3*len(v.Canvases))
		b[0] = OpOnlineCounter
		binary.BigEndian.PutUint16(b[1:], v.Total)
		for _, c := range v.Canvases {
			b = append(b, byte(c.Canvas))
			b = binary.BigEndian.AppendUint16(b, c.Count)
		}
		return b
	case PlacementRequest:
		b := make([]byte, 0, 3+pixelSize*len(v.Pixels))
		b = append(b, OpPlacementRequest, v.Chunk.X, v.Chunk.Y)
		return appendPixels(b, v.Pixels)
	case ChunkDiff:
		b := make([]byte, 0, 4+pixelSize*len(v.Pixels))
		b = append(b, OpChunkDiff, byte(v.Canvas), v.Chunk.X, v.Chunk.Y)
		return appendPixels(b, v.Pixels)
	case PlacementResult:
		b := make([]byte, 12)
		b[0] = OpPlacementResult
		b[1] = byte(v.RetCode)
		binary.BigEndian.PutUint32(b[2:], v.WaitMs)
		binary.BigEndian.PutUint32(b[6:], v.CoolDownMs)
		b[10] = v.PxlCnt
		b[11] = v.RankedPxlCnt
		return b
	}
	panic(fmt.Sprintf("protocol: unsupported message %T", m))
}

func appendCoords(b []byte, cs []ChunkCoord) []byte {
	for _, c := range cs {
		b = append(b, c.X, c.Y)
	}
	return b
}

func appendPixels(b []byte, px []domain.PixelChange) []byte {
	for _, p := range px {
		b = append(b, byte(p.Offset>>16), byte(p.Offset>>8), byte(p.Offset), p.Color)
	}
	return b
}

// Decode interpreta um frame uma única vez, na borda do transporte.
// Opcode desconhecido ou payload com tamanho errado é erro.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	op, p := b[0], b[1:]
	switch op {
	case OpRegisterCanvas:
		if len(p) != 1 {
			return nil, malformed(op, p)
		}
		return RegisterCanvas{Canvas: domain.CanvasID(p[0])}, nil
	case OpRegisterChunk, OpDeregisterChunk, OpSubscriptionRejected:
		if len(p) != 2 {
			return nil, malformed(op, p)
		}
		c := ChunkCoord{X: p[0], Y: p[1]}
		switch op {
		case OpRegisterChunk:
			return RegisterChunk{Chunk: c}, nil
		case OpDeregisterChunk:
			return DeregisterChunk{Chunk: c}, nil
		}
		return SubscriptionRejected{Chunk: c}, nil
	case OpRegisterChunks, OpDeregisterChunks:
		if len(p)%2 != 0 {
			return nil, malformed(op, p)
		}
		cs := make([]ChunkCoord, 0, len(p)/2)
		for i := 0; i < len(p); i += 2 {
			cs = append(cs, ChunkCoord{X: p[i], Y: p[i+1]})
		}
		if op == OpRegisterChunks {
			return RegisterChunks{Chunks: cs}, nil
		}
		return DeregisterChunks{Chunks: cs}, nil
	case OpOnlineCounter:
		if len(p) < 2 || (len(p)-2)%3 != 0 {
			return nil, malformed(op, p)
		}
		m := OnlineCounter{Total: binary.BigEndian.Uint16(p)}
		for i := 2; i < len(p); i += 3 {
			m.Canvases = append(m.Canvases, CanvasCount{
				Canvas: domain.CanvasID(p[i]),
				Count:  binary.BigEndian.Uint16(p[i+1:]),
			})
		}
		return m, nil
	case OpPlacementRequest:
		if len(p) < 2 {
			return nil, malformed(op, p)
		}
		px, err := decodePixels(p[2:])
		if err != nil {
			return nil, fmt.Errorf("opcode %#x: %w", op, err)
		}
		return PlacementRequest{Chunk: ChunkCoord{X: p[0], Y: p[1]}, Pixels: px}, nil
	case OpChunkDiff:
		if len(p) < 3 {
			return nil, malformed(op, p)
		}
		px, err := decodePixels(p[3:])
		if err != nil {
			return nil, fmt.Errorf("opcode %#x: %w", op, err)
		}
		return ChunkDiff{Canvas: domain.CanvasID(p[0]), Chunk: ChunkCoord{X: p[1], Y: p[2]}, Pixels: px}, nil
	case OpPlacementResult:
		if len(p) != 11 {
			return nil, malformed(op, p)
		}
		return PlacementResult{
			RetCode:      domain.RetCode(p[0]),
			WaitMs:       binary.BigEndian.Uint32(p[1:]),
			CoolDownMs:   binary.BigEndian.Uint32(p[5:]),
			PxlCnt:       p[9],
			RankedPxlCnt: p[10],
		}, nil
	}
	return nil, fmt.Errorf("%w %#x", ErrUnknownOpcode, op)
}

func decodePixels(p []byte) ([]domain.PixelChange, error) {
	if len(p)%pixelSize != 0 {
		return nil, ErrMalformed
	}
	n := len(p) / pixelSize
	if n > MaxBatch {
		return nil, ErrBatchTooLarge
	}
	px := make([]domain.PixelChange, 0, n)
	for i := 0; i < len(p); i += pixelSize {
		px = append(px, domain.PixelChange{
			Offset: uint32(p[i])<<16 | uint32(p[i+1])<<8 | uint32(p[i+2]),
			Color:  p[i+3],
		})
	}
	return px, nil
}

func malformed(op byte, p []byte) error {
	return fmt.Errorf("%w: opcode %#x with %d payload bytes", ErrMalformed, op, len(p))
}

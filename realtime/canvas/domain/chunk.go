package domain

import (
	"context"
	"errors"
	"strconv"
)

// ChunkKey identifica um chunk: unidade de armazenamento e de inscrição.
type ChunkKey struct {
	Canvas CanvasID
	X, Y   int
}

func (k ChunkKey) String() string {
	return strconv.Itoa(int(k.Canvas)) + ":" + strconv.Itoa(k.X) + ":" + strconv.Itoa(k.Y)
}

// PixelChange é um par (offset, cor) dentro do buffer de um chunk.
type PixelChange struct {
	Offset uint32
	Color  uint8
}

var ErrUnknownCanvas = errors.New("unknown canvas")

// ChunkStore guarda o buffer de índices de cor de cada chunk.
//
// Read sempre devolve exatamente Canvas.ChunkLen() bytes (chunk inexistente = zeros).
// Cada escrita de offset é atômica; não há ordem garantida entre offsets
// diferentes escritos por requisições diferentes.
type ChunkStore interface {
	Read(ctx context.Context, key ChunkKey) ([]byte, error)
	WriteOffsets(ctx context.Context, key ChunkKey, changes []PixelChange) error
}

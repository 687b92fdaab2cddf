package domain

import (
	"errors"
	"fmt"
)

type CanvasID uint8

// Rect é uma região retangular em coordenadas de grade, semiaberta: [X, X+W) x [Y, Y+H).
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

// Canvas é a configuração somente-leitura de um canvas.
//
// Imutável durante uma requisição; o catálogo pode trocar a instância inteira
// entre requisições (hot reload).
type Canvas struct {
	ID    CanvasID
	Ident string
	Title string

	Size      int // aresta da grade
	ChunkSize int // aresta do chunk
	Layers    int // só em canvas volumétrico

	Colors    []string
	ClrIgnore int // cores abaixo disso são reservadas

	BaseCooldownMs    int64 // bcd
	PixelCooldownMs   int64 // pcd
	CooldownCapMs     int64 // cds
	RequiredPrivilege Privilege
	RequireVerified   bool
	Ranked            bool
	Volumetric        bool
	Expired           bool
	Protected         []Rect
}

var ErrInvalidCanvas = errors.New("invalid canvas config")

// Validate confere os invariantes que o protocolo e o armazenamento assumem.
func (c Canvas) Validate() error {
	switch {
	case c.ChunkSize <= 0 || c.Size <= 0:
		return fmt.Errorf("%w %d: size and chunk size must be > 0", ErrInvalidCanvas, c.ID)
	case c.ChunksPerSide() > 256:
		return fmt.Errorf("%w %d: more than 256 chunks per side", ErrInvalidCanvas, c.ID)
	case len(c.Colors) == 0 || len(c.Colors) > 256:
		return fmt.Errorf("%w %d: palette must have 1..256 colors", ErrInvalidCanvas, c.ID)
	case c.ClrIgnore < 0 || c.ClrIgnore > len(c.Colors):
		return fmt.Errorf("%w %d: clrIgnore out of palette", ErrInvalidCanvas, c.ID)
	case c.Volumetric && c.Layers <= 0:
		return fmt.Errorf("%w %d: volumetric canvas needs layers", ErrInvalidCanvas, c.ID)
	case c.ChunkLen() > 1<<24:
		return fmt.Errorf("%w %d: chunk buffer exceeds 24-bit offsets", ErrInvalidCanvas, c.ID)
	case c.PixelCooldownMs < 0 || c.BaseCooldownMs < 0 || c.CooldownCapMs <= 0:
		return fmt.Errorf("%w %d: cooldowns must be >= 0 and cap > 0", ErrInvalidCanvas, c.ID)
	}
	return nil
}

// ChunksPerSide arredonda para cima: o último chunk pode passar da borda da grade.
func (c Canvas) ChunksPerSide() int { return (c.Size + c.ChunkSize - 1) / c.ChunkSize }

// ChunkLen é o tamanho fixo do buffer de um chunk.
func (c Canvas) ChunkLen() int {
	n := c.ChunkSize * c.ChunkSize
	if c.Volumetric {
		n *= c.Layers
	}
	return n
}

// GridPosition converte (chunk, offset) em coordenadas absolutas da grade.
// Layout do offset: layer*chunk² + row*chunk + col.
func (c Canvas) GridPosition(cx, cy int, offset uint32) (x, y, z int) {
	area := c.ChunkSize * c.ChunkSize
	off := int(offset)
	z = off / area
	off %= area
	x = cx*c.ChunkSize + off%c.ChunkSize
	y = cy*c.ChunkSize + off/c.ChunkSize
	return x, y, z
}

func (c Canvas) protected(x, y int) bool {
	for _, r := range c.Protected {
		if r.Contains(x, y) {
			return true
		}
	}
	return false
}

// ValidatePlacement aplica as regras de validação (passos 4 e 5 do pipeline), na ordem:
// limites do chunk, privilégio do canvas, verificação de conta, e então
// cada pixel (offset, cor, região protegida). A primeira falha vence.
func (c Canvas) ValidatePlacement(r Requester, cx, cy int, pixels []PixelChange) RetCode {
	per := c.ChunksPerSide()
	if cx < 0 || cx >= per {
		return RetChunkXOutOfBounds
	}
	if cy < 0 || cy >= per {
		return RetChunkYOutOfBounds
	}
	if r.Privilege < c.RequiredPrivilege {
		return RetPrivilegeRequired
	}
	if c.RequireVerified && !r.Verified && !r.Privilege.Staff() {
		return RetUnverified
	}

	length := uint32(c.ChunkLen())
	for _, px := range pixels {
		if px.Offset >= length {
			return RetOffsetOutOfBounds
		}
		if int(px.Color) >= len(c.Colors) {
			return RetColorInvalid
		}
		if int(px.Color) < c.ClrIgnore && !r.Privilege.Staff() {
			// no volumétrico a cor 0 apaga o voxel e é livre
			if !(c.Volumetric && px.Color == 0) {
				return RetColorInvalid
			}
		}
		if len(c.Protected) > 0 && !r.Privilege.Staff() {
			x, y, _ := c.GridPosition(cx, cy, px.Offset)
			if c.protected(x, y) {
				return RetProtected
			}
		}
	}
	return RetOK
}

// CanvasCatalog fornece a configuração atual de cada canvas.
type CanvasCatalog interface {
	Canvas(id CanvasID) (Canvas, bool)
	All() []Canvas
}

package protocol

import (
	"testing"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_PlacementRequestLayout(t *testing.T) {
	b := Encode(PlacementRequest{
		Chunk:  ChunkCoord{X: 2, Y: 3},
		Pixels: []domain.PixelChange{{Offset: 0x010203, Color: 7}},
	})
	assert.Equal(t, []byte{OpPlacementRequest, 2, 3, 0x01, 0x02, 0x03, 7}, b)
}

func TestEncode_PlacementResultLayout(t *testing.T) {
	b := Encode(PlacementResult{RetCode: domain.RetBusy, WaitMs: 10000, CoolDownMs: 2000, PxlCnt: 5, RankedPxlCnt: 5})
	require.Len(t, b, 12)
	assert.Equal(t, OpPlacementResult, b[0])
	assert.Equal(t, byte(domain.RetBusy), b[1])
	assert.Equal(t, []byte{0, 0, 0x27, 0x10}, b[2:6])
}

func TestDecode_Messages(t *testing.T) {
	msgs := []Message{
		RegisterCanvas{Canvas: 3},
		RegisterChunk{Chunk: ChunkCoord{X: 1, Y: 2}},
		DeregisterChunk{Chunk: ChunkCoord{X: 255, Y: 0}},
		RegisterChunks{Chunks: []ChunkCoord{{X: 1, Y: 1}, {X: 2, Y: 2}}},
		DeregisterChunks{Chunks: []ChunkCoord{{X: 9, Y: 8}}},
		SubscriptionRejected{Chunk: ChunkCoord{X: 4, Y: 4}},
		OnlineCounter{Total: 300, Canvases: []CanvasCount{{Canvas: 0, Count: 200}, {Canvas: 7, Count: 100}}},
		PlacementRequest{Chunk: ChunkCoord{X: 0, Y: 1}, Pixels: []domain.PixelChange{{Offset: 65535, Color: 2}, {Offset: 1 << 20, Color: 0}}},
		ChunkDiff{Canvas: 1, Chunk: ChunkCoord{X: 5, Y: 6}, Pixels: []domain.PixelChange{{Offset: 10, Color: 3}}},
		PlacementResult{RetCode: domain.RetOK, WaitMs: 1, CoolDownMs: 2, PxlCnt: 3, RankedPxlCnt: 0},
	}
	for _, m := range msgs {
		got, err := Decode(Encode(m))
		require.NoError(t, err, "%T", m)
		assert.Equal(t, m, got)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = Decode([]byte{0x01})
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = Decode([]byte{OpRegisterChunk, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{OpPlacementRequest, 0, 0, 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)

	big := []byte{OpPlacementRequest, 0, 0}
	for i := 0; i < MaxBatch+1; i++ {
		big = append(big, 0, 0, byte(i), 1)
	}
	_, err = Decode(big)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestResultFrom_Saturates(t *testing.T) {
	r := ResultFrom(domain.PlacementResult{RetCode: domain.RetOK, WaitMs: 1 << 40, CoolDownMs: -5, PxlCnt: 300})
	assert.Equal(t, uint32(1<<32-1), r.WaitMs)
	assert.Equal(t, uint32(0), r.CoolDownMs)
	assert.Equal(t, uint8(255), r.PxlCnt)
}

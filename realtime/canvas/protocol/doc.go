// Package protocol define o protocolo binário do socket de canvas.
//
// Cada frame começa com um opcode (1 byte) seguido de um payload de tamanho
// fixo ou de itens repetidos, inteiros em big-endian. Decode produz um dos
// tipos fechados de Message; o resto do código só vê mensagens tipadas.
//
//	0xA0 RegisterCanvas        u8 canvas
//	0xA1 RegisterChunk         u8 cx, u8 cy
//	0xA2 DeregisterChunk       u8 cx, u8 cy
//	0xA3 RegisterChunks        (u8 cx, u8 cy)*
//	0xA4 DeregisterChunks      (u8 cx, u8 cy)*
//	0xA5 SubscriptionRejected  u8 cx, u8 cy
//	0xA7 OnlineCounter         u16 total, (u8 canvas, u16 count)*
//	0xC1 PlacementRequest      u8 cx, u8 cy, (u24 offset, u8 color)*
//	0xC2 ChunkDiff             u8 canvas, u8 cx, u8 cy, (u24 offset, u8 color)*
//	0xC3 PlacementResult       u8 ret, u32 waitMs, u32 coolDownMs, u8 pxlCnt, u8 rankedPxlCnt
package protocol

package domain

import (
	"context"
	"errors"
)

var (
	ErrTooManySubscriptions = errors.New("too many chunk subscriptions")
	ErrNilSubscriber        = errors.New("nil subscriber")
)

// Subscriber é uma conexão viva que recebe frames já codificados.
//
// Deliver não pode bloquear: fila cheia ou conexão fechada = frame descartado
// (entrega at-most-once). Frames aceitos são entregues na ordem de Deliver.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

// SubscriptionRegistry é o índice bidirecional chunk <-> conexão.
type SubscriptionRegistry interface {
	Subscribe(sub Subscriber, key ChunkKey) error
	Unsubscribe(subID string, key ChunkKey)
	UnsubscribeAll(subID string)
}

// Publisher entrega um diff já commitado aos inscritos do chunk.
//
// Para um mesmo chunk, chamadas sequenciais a Publish chegam na mesma ordem
// a cada inscrito presente nas duas.
type Publisher interface {
	Publish(ctx context.Context, key ChunkKey, diff []PixelChange)
}

// DiffCommitter grava um diff e o anuncia num único passo serializado pelo
// backend compartilhado. Para um mesmo chunk, todos os processos veem os
// anúncios na ordem das escritas.
type DiffCommitter interface {
	Commit(ctx context.Context, key ChunkKey, diff []PixelChange) error
}

package domain

import (
	"context"
	"time"
)

// SlotPool representa um recurso com capacidade finita (ex: workers de colocação).
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// Lease é a posse temporária do gate de uma identidade.
// Token distingue posses sucessivas da mesma identidade.
type Lease struct {
	Identity   Identity
	Token      uint64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Gate garante no máximo uma requisição de colocação em voo por identidade.
//
// TryAcquire nunca enfileira: se já houver posse, retorna ok=false na hora.
// Release de um lease vencido (já recolhido pelo reaper) não tem efeito.
type Gate interface {
	TryAcquire(id Identity) (Lease, bool)
	Release(l Lease)
}

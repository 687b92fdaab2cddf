package domain

import (
	"context"
	"time"
)

// AdmissionState é o acumulador de cooldown de uma identidade em um canvas.
//
// Invariante: 0 <= RemainingMs <= cap. O restante efetivo decai com o relógio
// a partir de UpdatedAtMs.
type AdmissionState struct {
	RemainingMs int64
	UpdatedAtMs int64
}

// Effective devolve max(0, RemainingMs - (now - UpdatedAtMs)).
func (s AdmissionState) Effective(nowMs int64) int64 {
	rem := s.RemainingMs - (nowMs - s.UpdatedAtMs)
	if rem < 0 {
		return 0
	}
	return rem
}

// AdmitRequest é a entrada da transação atômica de admissão.
// Todos os custos já vêm escalonados (privilégio e multiplicador de rank).
type AdmitRequest struct {
	Key         string
	Origin      string
	CheckOrigin bool

	NowMs    int64
	CapMs    int64
	CreditMs int64
	// FirstCostMs substitui o custo do primeiro pixel cobrado quando a sessão
	// de colocação é nova (restante efetivo == 0). 0 desliga a penalidade.
	FirstCostMs int64
	// CostsMs tem um custo por pixel do lote, na ordem de entrada.
	// Custo 0 = pixel sem efeito (cor já presente) ou identidade sem cooldown.
	CostsMs []int64
}

type AdmitOutcome struct {
	// Admitted é o tamanho do prefixo admitido: índices [0, Admitted).
	Admitted       int
	ChargedMs      int64
	RemainingMs    int64
	NeedProxycheck bool
	// Denied != RetOK quando a reputação em cache recusou a origem; nada foi cobrado.
	Denied RetCode
}

// ApplyAdmission é a regra de admissão por prefixo contíguo.
//
// Os pixels são avaliados na ordem; o primeiro que empurraria o restante acima
// do teto e todos os seguintes são recusados. Devolve o novo estado e se ele
// precisa ser gravado. Implementações de AdmissionStore devem executar esta
// mesma regra atomicamente por chave (o script Lua do Redis a espelha).
func ApplyAdmission(st AdmissionState, found bool, req AdmitRequest) (AdmissionState, AdmitOutcome, bool) {
	rem := int64(0)
	if found {
		rem = st.Effective(req.NowMs)
	}
	fresh := rem == 0

	if req.CreditMs > rem {
		rem = req.CreditMs
	}
	if rem > req.CapMs {
		rem = req.CapMs
	}
	start := rem

	var out AdmitOutcome
	penalty := fresh && req.FirstCostMs > 0
	for _, c := range req.CostsMs {
		if c > 0 && penalty {
			c = req.FirstCostMs
			penalty = false
		}
		if rem+c > req.CapMs {
			break
		}
		rem += c
		out.Admitted++
	}
	out.ChargedMs = rem - start
	out.RemainingMs = rem

	if out.ChargedMs == 0 {
		return st, out, false
	}
	return AdmissionState{RemainingMs: rem, UpdatedAtMs: req.NowMs}, out, true
}

// ApplyRefund devolve amountMs ao orçamento (nunca abaixo de zero).
func ApplyRefund(st AdmissionState, amountMs, nowMs int64) AdmissionState {
	rem := st.Effective(nowMs) - amountMs
	if rem < 0 {
		rem = 0
	}
	return AdmissionState{RemainingMs: rem, UpdatedAtMs: nowMs}
}

// NewConnectionCredit pré-credita uma conexão recém-aberta como se ela já
// tivesse gasto cds - pcd + margin, decaindo com o tempo de conexão.
// Reconectar no meio de uma sessão não zera o cooldown.
func NewConnectionCredit(capMs, pixelCostMs, marginMs int64, connected time.Duration) int64 {
	credit := capMs - pixelCostMs + marginMs - connected.Milliseconds()
	if credit < 0 {
		return 0
	}
	if credit > capMs {
		return capMs
	}
	return credit
}

// AdmissionStore executa a leitura-decisão-escrita do cooldown como uma única
// operação atômica no armazenamento compartilhado (vários processos podem chamar).
// Nunca implemente como leitura seguida de escrita na aplicação.
type AdmissionStore interface {
	Admit(ctx context.Context, req AdmitRequest) (AdmitOutcome, error)
	Refund(ctx context.Context, key string, amountMs int64, now time.Time) error
	// RecordReputation guarda em cache o veredito da checagem de reputação de uma origem.
	RecordReputation(ctx context.Context, origin string, code RetCode, ttl time.Duration) error
}

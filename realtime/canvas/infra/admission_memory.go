package infra

import (
	"context"
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/domain"
)

// MemoryAdmissionStore aplica domain.ApplyAdmission sob um lock por processo.
// Útil para testes e para o servidor de exemplo (um único processo).
//
// Não é indicada para produção com vários processos: o estado não é compartilhado.
// Estados zerados saem do mapa no próximo acesso ou no Sweep, o equivalente
// ao TTL das chaves no Redis.
type MemoryAdmissionStore struct {
	mu         sync.Mutex
	states     map[string]domain.AdmissionState
	reputation map[string]reputationEntry
	now        func() time.Time
}

type reputationEntry struct {
	code    domain.RetCode
	expires time.Time
}

func NewMemoryAdmissionStore() *MemoryAdmissionStore {
	return &MemoryAdmissionStore{
		states:     make(map[string]domain.AdmissionState),
		reputation: make(map[string]reputationEntry),
		now:        time.Now,
	}
}

func (s *MemoryAdmissionStore) Admit(_ context.Context, req domain.AdmitRequest) (domain.AdmitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needCheck := false
	if req.CheckOrigin {
		ent, ok := s.reputation[req.Origin]
		if ok && s.now().After(ent.expires) {
			delete(s.reputation, req.Origin)
			ok = false
		}
		if ok && ent.code != domain.RetOK {
			return domain.AdmitOutcome{Denied: ent.code}, nil
		}
		needCheck = !ok
	}

	st, found := s.states[req.Key]
	if found && st.Effective(req.NowMs) == 0 {
		delete(s.states, req.Key)
		found = false
	}
	st, out, write := domain.ApplyAdmission(st, found, req)
	if write {
		s.states[req.Key] = st
	}
	out.NeedProxycheck = needCheck
	return out, nil
}

func (s *MemoryAdmissionStore) Refund(_ context.Context, key string, amountMs int64, now time.Time) error {
	if amountMs <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return nil
	}
	st = domain.ApplyRefund(st, amountMs, now.UnixMilli())
	if st.Effective(now.UnixMilli()) == 0 {
		delete(s.states, key)
		return nil
	}
	s.states[key] = st
	return nil
}

func (s *MemoryAdmissionStore) RecordReputation(_ context.Context, origin string, code domain.RetCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[origin] = reputationEntry{code: code, expires: s.now().Add(ttl)}
	return nil
}

// Sweep remove estados de cooldown zerados e vereditos de reputação vencidos.
// Devolve quantas entradas saíram.
func (s *MemoryAdmissionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	nowMs := now.UnixMilli()
	for k, st := range s.states {
		if st.Effective(nowMs) == 0 {
			delete(s.states, k)
			n++
		}
	}
	for origin, ent := range s.reputation {
		if now.After(ent.expires) {
			delete(s.reputation, origin)
			n++
		}
	}
	return n
}

// StartJanitor roda Sweep a cada `every` até o ctx encerrar.
func (s *MemoryAdmissionStore) StartJanitor(ctx DoneContext, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep(s.now())
			}
		}
	}()
}

// Len devolve quantos estados de cooldown estão guardados.
func (s *MemoryAdmissionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// State devolve o estado bruto guardado para uma chave (testes/inspeção).
func (s *MemoryAdmissionStore) State(key string) (domain.AdmissionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok
}

package application

import (
	"context"
	"time"

	"canvas-gateway/realtime/canvas/domain"
)

// DispatchService concentra a regra de aquisição/liberação de vagas do pool de
// workers com timeout, sem saber nada sobre websocket.
type DispatchService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
// - Se `AcquireTimeout <= 0`, espera indefinidamente (até ctx cancelar).
// - Se `AcquireTimeout > 0`, espera até o timeout.
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (s DispatchService) Acquire(ctx context.Context) (func(), bool) {
	if s.Pool == nil {
		return func() {}, true
	}

	if s.AcquireTimeout <= 0 {
		return s.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()
	return s.Pool.Acquire(acqCtx)
}

// Go roda fn numa vaga do pool, fora da goroutine de quem chama.
// Retorna false (e não roda fn) se nenhuma vaga foi obtida.
func (s DispatchService) Go(ctx context.Context, fn func()) bool {
	release, ok := s.Acquire(ctx)
	if !ok {
		return false
	}
	go func() {
		defer release()
		fn()
	}()
	return true
}

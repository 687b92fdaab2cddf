package application

import (
	"time"

	"canvas-gateway/realtime/canvas/domain"
)

// FloodService decide se uma mensagem de entrada do socket pode ser processada.
//
// Ele não sabe nada sobre websocket, apenas retorna uma decisão.
type FloodService struct {
	Store      domain.LimiterStore
	RetryAfter time.Duration
}

func (s FloodService) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}

	lim := s.Store.Get(key)
	if lim == nil {
		return domain.Decision{Allowed: true}
	}
	if lim.Allow() {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: s.RetryAfter}
}

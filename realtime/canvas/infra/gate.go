package infra

import (
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"go.uber.org/zap"
)

// LeaseGate é o single-flight por identidade: no máximo um lease vivo por chave.
//
// Um reaper periódico recolhe leases mais velhos que staleAfter, para que um
// handler travado não bloqueie a identidade para sempre. Isso é válvula de
// segurança, não garantia de correção: cada recolhimento é logado como WARN.
type LeaseGate struct {
	mu     sync.Mutex
	leases map[domain.Identity]domain.Lease
	next   uint64

	staleAfter time.Duration
	sweepEvery time.Duration
	log        *zap.Logger
	now        func() time.Time
}

type GateOption func(*LeaseGate)

func WithStaleAfter(d time.Duration) GateOption {
	return func(g *LeaseGate) { g.staleAfter = d }
}

func WithSweepEvery(d time.Duration) GateOption {
	return func(g *LeaseGate) { g.sweepEvery = d }
}

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *LeaseGate) {
		if l != nil {
			g.log = l
		}
	}
}

func WithGateClock(now func() time.Time) GateOption {
	return func(g *LeaseGate) { g.now = now }
}

func NewLeaseGate(opts ...GateOption) *LeaseGate {
	g := &LeaseGate{
		leases:     make(map[domain.Identity]domain.Lease),
		staleAfter: 20 * time.Second,
		sweepEvery: 5 * time.Second,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *LeaseGate) SweepEvery() time.Duration { return g.sweepEvery }

// TryAcquire implementa domain.Gate.
func (g *LeaseGate) TryAcquire(id domain.Identity) (domain.Lease, bool) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.leases[id]; busy {
		return domain.Lease{}, false
	}
	g.next++
	l := domain.Lease{
		Identity:   id,
		Token:      g.next,
		AcquiredAt: now,
		ExpiresAt:  now.Add(g.staleAfter),
	}
	g.leases[id] = l
	return l, true
}

// Release implementa domain.Gate. Lease que não é mais o atual é ignorado.
func (g *LeaseGate) Release(l domain.Lease) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.leases[l.Identity]; ok && cur.Token == l.Token {
		delete(g.leases, l.Identity)
	}
}

// Reap força a liberação dos leases vencidos e devolve quantos foram recolhidos.
func (g *LeaseGate) Reap() int {
	now := g.now()

	g.mu.Lock()
	var stale []domain.Lease
	for id, l := range g.leases {
		if now.After(l.ExpiresAt) {
			stale = append(stale, l)
			delete(g.leases, id)
		}
	}
	g.mu.Unlock()

	for _, l := range stale {
		g.log.Warn("placement gate force-released",
			zap.String("identity", string(l.Identity)),
			zap.Duration("held", now.Sub(l.AcquiredAt)),
		)
	}
	return len(stale)
}

func (g *LeaseGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

// StartReaper inicia uma goroutine que recolhe leases vencidos periodicamente.
// Pare cancelando o contexto.
func (g *LeaseGate) StartReaper(ctx DoneContext) {
	if g.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(g.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.Reap()
			}
		}
	}()
}

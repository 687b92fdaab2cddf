package application

import (
	"context"
	"math"
	"strconv"
	"time"

	"canvas-gateway/realtime/canvas/domain"
)

// AdmissionService monta os parâmetros escalonados da admissão e delega a
// decisão atômica ao AdmissionStore.
type AdmissionService struct {
	Store domain.AdmissionStore
	Ranks domain.RankMultiplier

	// GlobalFactor multiplica todos os custos. <= 0 vale 1.
	GlobalFactor float64
	// NewConnMargin entra no crédito de conexão nova.
	NewConnMargin time.Duration
}

// AdmissionInput descreve um lote já validado.
type AdmissionInput struct {
	Requester domain.Requester
	Canvas    domain.Canvas
	// Changes[i] indica se o pixel i muda o chunk; pixels sem efeito custam 0.
	Changes     []bool
	ConnectedAt time.Time
	Now         time.Time
	CheckOrigin bool
}

// AdmissionKey é a chave do estado de cooldown de uma identidade num canvas.
func AdmissionKey(canvas domain.CanvasID, id domain.Identity) string {
	return "cd:" + strconv.Itoa(int(canvas)) + ":" + string(id)
}

// Factor é 0 para admin; senão GlobalFactor × multiplicador de rank.
func (s AdmissionService) Factor(ctx context.Context, r domain.Requester) float64 {
	if r.Privilege >= domain.PrivilegeAdmin {
		return 0
	}
	f := s.GlobalFactor
	if f <= 0 {
		f = 1
	}
	if s.Ranks != nil {
		f *= s.Ranks.Factor(ctx, r)
	}
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	return f
}

func scale(ms int64, factor float64) int64 {
	return int64(math.Round(float64(ms) * factor))
}

// Request calcula custos, crédito de conexão nova e penalidade anônima.
func (s AdmissionService) Request(ctx context.Context, in AdmissionInput) domain.AdmitRequest {
	factor := s.Factor(ctx, in.Requester)
	pcd := scale(in.Canvas.PixelCooldownMs, factor)

	req := domain.AdmitRequest{
		Key:         AdmissionKey(in.Canvas.ID, in.Requester.Identity),
		Origin:      in.Requester.Origin,
		CheckOrigin: in.CheckOrigin,
		NowMs:       in.Now.UnixMilli(),
		CapMs:       in.Canvas.CooldownCapMs,
		CostsMs:     make([]int64, len(in.Changes)),
	}
	for i, changed := range in.Changes {
		if changed {
			req.CostsMs[i] = pcd
		}
	}
	if factor == 0 {
		return req
	}
	if !in.ConnectedAt.IsZero() {
		req.CreditMs = domain.NewConnectionCredit(req.CapMs, pcd, s.NewConnMargin.Milliseconds(), in.Now.Sub(in.ConnectedAt))
	}
	if in.Requester.Identity.Anonymous() {
		req.FirstCostMs = scale(in.Canvas.BaseCooldownMs, factor)
	}
	return req
}

func (s AdmissionService) Admit(ctx context.Context, in AdmissionInput) (domain.AdmitRequest, domain.AdmitOutcome, error) {
	req := s.Request(ctx, in)
	out, err := s.Store.Admit(ctx, req)
	return req, out, err
}

func (s AdmissionService) Refund(ctx context.Context, key string, amountMs int64, now time.Time) error {
	if amountMs <= 0 {
		return nil
	}
	return s.Store.Refund(ctx, key, amountMs, now)
}

func (s AdmissionService) RecordReputation(ctx context.Context, origin string, code domain.RetCode, ttl time.Duration) error {
	return s.Store.RecordReputation(ctx, origin, code, ttl)
}

package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const commitStripes = 256

// Pipeline é o caminho de uma requisição de colocação:
// validação -> gate -> admissão -> reputação -> commit -> broadcast.
//
// Use sempre por ponteiro: as listras de commit vivem no próprio struct.
// Campos opcionais (nil): Committer, Reputation, Log, Stats, Logger, Now.
type Pipeline struct {
	Catalog   domain.CanvasCatalog
	Gate      domain.Gate
	Admission AdmissionService
	Chunks    domain.ChunkStore
	Publisher domain.Publisher
	// Committer, quando presente, substitui WriteOffsets + Publish por um
	// único passo ordenado no backend (vários processos).
	Committer domain.DiffCommitter

	Reputation        domain.ReputationChecker
	ReputationTimeout time.Duration
	ReputationTTL     time.Duration
	// ReputationGrace é quanto o commit espera pelo resultado de uma checagem
	// recém-disparada. 0 = só usa o resultado se já tiver chegado.
	ReputationGrace time.Duration

	Log    domain.PlacementLog
	Stats  domain.PixelStats
	Logger *zap.Logger
	Now    func() time.Time

	stripes [commitStripes]sync.Mutex
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// stripe serializa os commits de um chunk entre WriteOffsets e Publish, o que
// garante a ordem dos diffs por chunk para cada inscrito do processo. Entre
// processos a ordem vem do Committer.
func (p *Pipeline) stripe(key domain.ChunkKey) *sync.Mutex {
	return &p.stripes[xxhash.Sum64String(key.String())%commitStripes]
}

func fail(code domain.RetCode) domain.PlacementResult {
	return domain.PlacementResult{RetCode: code}
}

// Place executa uma requisição. Nunca retorna erro: falhas viram RetCode.
// Nenhum pixel commitado implica nenhum custo (a admissão é devolvida).
func (p *Pipeline) Place(ctx context.Context, req domain.PixelRequest) domain.PlacementResult {
	cv, ok := p.Catalog.Canvas(req.Canvas)
	if !ok || cv.Expired {
		return fail(domain.RetCanvasUnavailable)
	}
	if req.Requester.Banned {
		p.audit(ctx, cv, req, 0, domain.RetBanned)
		return fail(domain.RetBanned)
	}

	lease, ok := p.Gate.TryAcquire(req.Requester.Identity)
	if !ok {
		p.audit(ctx, cv, req, 0, domain.RetBusy)
		return fail(domain.RetBusy)
	}
	defer p.Gate.Release(lease)

	return p.place(ctx, cv, req)
}

func (p *Pipeline) place(ctx context.Context, cv domain.Canvas, req domain.PixelRequest) (res domain.PlacementResult) {
	var (
		admKey  string
		charged int64
		written bool
		done    domain.PlacementResult
	)
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("placement panic",
				zap.String("identity", string(req.Requester.Identity)),
				zap.Bool("written", written),
				zap.Any("panic", r),
			)
			// pixel gravado não volta atrás: o custo e o resultado ficam
			if written {
				res = done
				return
			}
			p.refund(ctx, admKey, charged)
			res = fail(domain.RetInternal)
		}
	}()

	if code := cv.ValidatePlacement(req.Requester, req.ChunkX, req.ChunkY, req.Pixels); code != domain.RetOK {
		p.audit(ctx, cv, req, 0, code)
		return fail(code)
	}

	key := domain.ChunkKey{Canvas: cv.ID, X: req.ChunkX, Y: req.ChunkY}
	changes, err := p.changes(ctx, key, req.Pixels)
	if err != nil {
		return p.internal(req, "read chunk", err)
	}

	now := p.now()
	checkOrigin := p.Reputation != nil && req.Requester.NeedsReputation()
	admReq, out, err := p.Admission.Admit(ctx, AdmissionInput{
		Requester:   req.Requester,
		Canvas:      cv,
		Changes:     changes,
		ConnectedAt: req.ConnectedAt,
		Now:         now,
		CheckOrigin: checkOrigin,
	})
	if err != nil {
		return p.internal(req, "admission", err)
	}
	if out.Denied != domain.RetOK {
		p.audit(ctx, cv, req, 0, out.Denied)
		return fail(out.Denied)
	}
	admKey, charged = admReq.Key, out.ChargedMs

	var verdict <-chan domain.RetCode
	if out.NeedProxycheck && checkOrigin {
		verdict = p.checkReputation(ctx, req.Requester.Origin)
	}

	// só os pixels admitidos que de fato mudam o chunk
	committed := make([]domain.PixelChange, 0, out.Admitted)
	for i := 0; i < out.Admitted; i++ {
		if changes[i] {
			committed = append(committed, req.Pixels[i])
		}
	}

	if code := p.awaitVerdict(verdict); code != domain.RetOK {
		p.refund(ctx, admKey, charged)
		p.audit(ctx, cv, req, 0, code)
		return fail(code)
	}

	done = domain.PlacementResult{
		RetCode:    domain.RetOK,
		WaitMs:     out.RemainingMs,
		CoolDownMs: out.ChargedMs,
		PxlCnt:     len(committed),
	}
	if cv.Ranked {
		done.RankedPxlCnt = done.PxlCnt
	}

	if len(committed) > 0 {
		if err := p.commit(ctx, key, committed, &written); err != nil {
			p.refund(ctx, admKey, charged)
			return p.internal(req, "write chunk", err)
		}
	}
	res = done

	p.audit(ctx, cv, req, out.Admitted, domain.RetOK)
	if p.Stats != nil && res.PxlCnt > 0 {
		if err := p.Stats.Record(ctx, domain.PixelEvent{
			Identity: req.Requester.Identity,
			Canvas:   cv.ID,
			Country:  req.Requester.Country,
			Count:    res.PxlCnt,
			Ranked:   cv.Ranked,
			At:       now,
		}); err != nil {
			p.logger().Warn("pixel stats record failed", zap.Error(err))
		}
	}
	return res
}

// commit grava e publica sob a listra do chunk. written vira true assim que
// a escrita termina, antes do Publish.
func (p *Pipeline) commit(ctx context.Context, key domain.ChunkKey, px []domain.PixelChange, written *bool) error {
	mu := p.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	if p.Committer != nil {
		if err := p.Committer.Commit(ctx, key, px); err != nil {
			return err
		}
		*written = true
		return nil
	}
	if err := p.Chunks.WriteOffsets(ctx, key, px); err != nil {
		return err
	}
	*written = true
	p.Publisher.Publish(ctx, key, px)
	return nil
}

// changes marca, na ordem do lote, os pixels que alteram o chunk
// (considerando os pixels anteriores do mesmo lote).
func (p *Pipeline) changes(ctx context.Context, key domain.ChunkKey, px []domain.PixelChange) ([]bool, error) {
	out := make([]bool, len(px))
	if len(px) == 0 {
		return out, nil
	}
	buf, err := p.Chunks.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	overlay := make(map[uint32]uint8, len(px))
	for i, c := range px {
		cur, ok := overlay[c.Offset]
		if !ok {
			if int(c.Offset) >= len(buf) {
				return nil, fmt.Errorf("offset %d past chunk %s (%d bytes)", c.Offset, key, len(buf))
			}
			cur = buf[c.Offset]
		}
		out[i] = cur != c.Color
		overlay[c.Offset] = c.Color
	}
	return out, nil
}

// checkReputation dispara a checagem sem bloquear a requisição. O veredito é
// gravado no cache da admissão; erro do serviço não é gravado (fail-open).
func (p *Pipeline) checkReputation(ctx context.Context, origin string) <-chan domain.RetCode {
	ch := make(chan domain.RetCode, 1)
	timeout := p.ReputationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := p.ReputationTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	bg := context.WithoutCancel(ctx)

	go func() {
		defer close(ch)
		cctx, cancel := context.WithTimeout(bg, timeout)
		defer cancel()

		code, err := p.Reputation.Check(cctx, origin)
		if err != nil {
			p.logger().Warn("reputation check failed", zap.String("origin", origin), zap.Error(err))
			return
		}
		if err := p.Admission.RecordReputation(bg, origin, code, ttl); err != nil {
			p.logger().Warn("reputation cache write failed", zap.String("origin", origin), zap.Error(err))
		}
		ch <- code
	}()
	return ch
}

func (p *Pipeline) awaitVerdict(ch <-chan domain.RetCode) domain.RetCode {
	if ch == nil {
		return domain.RetOK
	}
	if p.ReputationGrace <= 0 {
		select {
		case code := <-ch:
			return code
		default:
			return domain.RetOK
		}
	}
	t := time.NewTimer(p.ReputationGrace)
	defer t.Stop()
	select {
	case code := <-ch:
		return code
	case <-t.C:
		return domain.RetOK
	}
}

func (p *Pipeline) refund(ctx context.Context, key string, amountMs int64) {
	if key == "" || amountMs <= 0 {
		return
	}
	if err := p.Admission.Refund(context.WithoutCancel(ctx), key, amountMs, p.now()); err != nil {
		p.logger().Error("admission refund failed", zap.String("key", key), zap.Int64("amount_ms", amountMs), zap.Error(err))
	}
}

func (p *Pipeline) internal(req domain.PixelRequest, stage string, err error) domain.PlacementResult {
	p.logger().Error("placement failed",
		zap.String("stage", stage),
		zap.String("identity", string(req.Requester.Identity)),
		zap.Uint8("canvas", uint8(req.Canvas)),
		zap.Error(err),
	)
	return fail(domain.RetInternal)
}

// audit grava cada pixel tentado. Num sucesso, pixels além do prefixo admitido
// levam RetCooldown; num erro, todos levam o código do erro.
func (p *Pipeline) audit(ctx context.Context, cv domain.Canvas, req domain.PixelRequest, admitted int, code domain.RetCode) {
	if p.Log == nil || len(req.Pixels) == 0 {
		return
	}
	at := p.now()
	entries := make([]domain.LogEntry, len(req.Pixels))
	for i, px := range req.Pixels {
		x, y, z := cv.GridPosition(req.ChunkX, req.ChunkY, px.Offset)
		c := code
		if code == domain.RetOK && i >= admitted {
			c = domain.RetCooldown
		}
		entries[i] = domain.LogEntry{
			At:       at,
			Identity: req.Requester.Identity,
			Origin:   req.Requester.Origin,
			Canvas:   cv.ID,
			X:        x,
			Y:        y,
			Z:        z,
			Color:    px.Color,
			Code:     c,
		}
	}
	if err := p.Log.Append(ctx, entries); err != nil {
		p.logger().Warn("placement log append failed", zap.Error(err))
	}
}

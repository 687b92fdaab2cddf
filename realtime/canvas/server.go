package canvas

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"canvas-gateway/realtime/canvas/application"
	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/infra"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WorkerOptions dimensiona o pool de colocações. Pool cheio após
// AcquireTimeout responde busy ao cliente.
type WorkerOptions struct {
	Max            int
	AcquireTimeout time.Duration
}

type Options struct {
	Catalog  domain.CanvasCatalog
	Pipeline *application.Pipeline
	Registry domain.SubscriptionRegistry
	Chunks   domain.ChunkStore
	// Presence agrega a contagem online entre processos; nil = só este processo.
	Presence domain.PresenceStore
	Resolver IdentityResolver
	// Flood limita mensagens de entrada por origem; nil = sem limite.
	Flood   domain.LimiterStore
	Workers WorkerOptions
	NodeID  string

	SendQueue       int
	PresenceEvery   time.Duration
	PingEvery       time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool

	RateLimit   RateLimitOptions
	Concurrency ConcurrencyOptions
	Logger      *zap.Logger
}

var errMissingDependency = errors.New("canvas server: missing dependency")

// Server é o transporte websocket + API HTTP do canvas.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	dispatch application.DispatchService
	flood    application.FloodService
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewServer(opts Options) (*Server, error) {
	if opts.Catalog == nil || opts.Pipeline == nil || opts.Registry == nil || opts.Chunks == nil {
		return nil, errMissingDependency
	}
	if opts.Resolver == nil {
		opts.Resolver = OriginResolver{Origin: DefaultOriginFunc(opts.RateLimit.TrustXForwardedFor)}
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.PresenceEvery <= 0 {
		opts.PresenceEvery = 15 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingEvery <= 0 || opts.PingEvery >= opts.PongWait {
		opts.PingEvery = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		// maior frame válido: PlacementRequest com lote cheio
		opts.MaxMessageBytes = 3 + 4*protocol.MaxBatch
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var pool domain.SlotPool
	if opts.Workers.Max > 0 {
		pool = infra.NewChanPool(opts.Workers.Max)
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		dispatch: application.DispatchService{Pool: pool, AcquireTimeout: opts.Workers.AcquireTimeout},
		flood:    application.FloodService{Store: opts.Flood},
		log:      opts.Logger,
		base:     base,
		cancel:   cancel,
		conns:    make(map[*conn]struct{}),
	}
	return s, nil
}

// Handler monta as rotas:
//
//	GET /ws                             websocket
//	GET /healthz                        liveness
//	GET /api/online                     contagem online (JSON)
//	GET /api/chunks/{canvas}/{cx}/{cy}  bytes do chunk
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	limited := chi.NewRouter()
	limited.Use(RateLimitMiddleware(s.opts.RateLimit))
	limited.Get("/ws", s.handleWS)
	limited.Group(func(api chi.Router) {
		api.Use(ConcurrencyMiddleware(s.opts.Concurrency))
		api.Get("/api/online", s.handleOnline)
		api.Get("/api/chunks/{canvas}/{cx}/{cy}", s.handleChunk)
	})
	r.Mount("/", limited)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	who, err := s.opts.Resolver.Resolve(r.Context(), r)
	if err != nil {
		s.log.Debug("identity resolution failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade já respondeu ao cliente
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(s, ws, who)
	s.add(c)
	s.log.Debug("connection opened",
		zap.String("conn", c.id),
		zap.String("identity", string(who.Identity)),
	)

	go c.writeLoop()
	c.readLoop()
}

func (s *Server) add(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// LocalCounts conta as conexões deste processo por canvas registrado.
func (s *Server) LocalCounts() map[domain.CanvasID]int {
	out := make(map[domain.CanvasID]int)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if id, ok := c.currentCanvas(); ok {
			out[id]++
		}
	}
	return out
}

// Online devolve a contagem agregada (todos os processos quando há PresenceStore).
func (s *Server) Online(ctx context.Context) (map[domain.CanvasID]int, error) {
	if s.opts.Presence == nil {
		return s.LocalCounts(), nil
	}
	return s.opts.Presence.Totals(ctx)
}

// BroadcastPresence publica a contagem local e envia OnlineCounter a todas as conexões.
func (s *Server) BroadcastPresence(ctx context.Context) {
	if s.opts.Presence != nil {
		if err := s.opts.Presence.Report(ctx, s.opts.NodeID, s.LocalCounts()); err != nil {
			s.log.Warn("presence report failed", zap.Error(err))
		}
	}
	counts, err := s.Online(ctx)
	if err != nil {
		s.log.Warn("presence totals failed", zap.Error(err))
		counts = s.LocalCounts()
	}
	frame := protocol.Encode(onlineCounter(counts))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.Deliver(frame)
	}
}

func onlineCounter(counts map[domain.CanvasID]int) protocol.OnlineCounter {
	m := protocol.OnlineCounter{}
	total := 0
	for id, n := range counts {
		total += n
		m.Canvases = append(m.Canvases, protocol.CanvasCount{Canvas: id, Count: clampU16(n)})
	}
	sort.Slice(m.Canvases, func(i, j int) bool { return m.Canvases[i].Canvas < m.Canvases[j].Canvas })
	m.Total = clampU16(total)
	return m
}

func clampU16(n int) uint16 {
	if n > 1<<16-1 {
		return 1<<16 - 1
	}
	if n < 0 {
		return 0
	}
	return uint16(n)
}

// Run mantém o broadcast periódico de presença até o ctx encerrar.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.PresenceEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.BroadcastPresence(ctx)
		}
	}
}

// Close derruba todas as conexões. Colocações em andamento terminam sozinhas.
func (s *Server) Close() {
	s.cancel()
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

package canvas

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// conn é uma conexão websocket viva: uma goroutine de leitura (readLoop) e
// uma de escrita (writeLoop). Só o writer escreve no socket.
type conn struct {
	id          string
	srv         *Server
	ws          *websocket.Conn
	who         domain.Requester
	connectedAt time.Time
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu     sync.Mutex
	canvas domain.CanvasID
	hasCv  bool
}

func newConn(s *Server, ws *websocket.Conn, who domain.Requester) *conn {
	ctx, cancel := context.WithCancel(s.base)
	id := uuid.NewString()
	return &conn{
		id:          id,
		srv:         s,
		ws:          ws,
		who:         who,
		connectedAt: time.Now(),
		log:         s.log.With(zap.String("conn", id)),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, s.opts.SendQueue),
		done:        make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Deliver enfileira sem bloquear. Fila cheia = frame descartado.
func (c *conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// reply entrega um PlacementResult. Ao contrário dos diffs, resultados esperam
// vaga na fila; só desistem quando a conexão fecha.
func (c *conn) reply(res domain.PlacementResult) {
	frame := protocol.Encode(protocol.ResultFrom(res))
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *conn) currentCanvas() (domain.CanvasID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canvas, c.hasCv
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.srv.opts.Registry.UnsubscribeAll(c.id)
		c.srv.remove(c)
		c.log.Debug("connection closed", zap.Uint64("dropped_frames", c.dropped.Load()))
	})
}

func (c *conn) readLoop() {
	defer func() {
		c.close()
		// um subscribe pode ter corrido junto com o close do writer
		c.srv.opts.Registry.UnsubscribeAll(c.id)
	}()

	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if typ != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		if dec := c.srv.flood.Decide(domain.Key(c.who.Origin)); !dec.Allowed {
			c.log.Debug("inbound frame dropped by flood limit", zap.String("origin", c.who.Origin))
			// quem pediu colocação sempre recebe uma resposta
			if data[0] == protocol.OpPlacementRequest {
				c.reply(domain.PlacementResult{RetCode: domain.RetBusy})
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("malformed frame", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RegisterCanvas:
		c.registerCanvas(m.Canvas)
	case protocol.RegisterChunk:
		c.subscribe(m.Chunk)
	case protocol.RegisterChunks:
		for _, ch := range m.Chunks {
			c.subscribe(ch)
		}
	case protocol.DeregisterChunk:
		c.unsubscribe(m.Chunk)
	case protocol.DeregisterChunks:
		for _, ch := range m.Chunks {
			c.unsubscribe(ch)
		}
	case protocol.PlacementRequest:
		c.place(m)
	default:
		c.log.Debug("unexpected client message", zap.Uint8("opcode", msg.Opcode()))
	}
}

// registerCanvas troca o canvas da conexão. Trocar de canvas derruba as
// inscrições do anterior; canvas desconhecido deixa a conexão sem canvas.
func (c *conn) registerCanvas(id domain.CanvasID) {
	_, known := c.srv.opts.Catalog.Canvas(id)

	c.mu.Lock()
	changed := !c.hasCv || c.canvas != id || !known
	c.canvas, c.hasCv = id, known
	c.mu.Unlock()

	if changed {
		c.srv.opts.Registry.UnsubscribeAll(c.id)
	}
	if !known {
		c.log.Debug("unknown canvas", zap.Uint8("canvas", uint8(id)))
	}
}

func (c *conn) chunkKey(ch protocol.ChunkCoord) (domain.ChunkKey, bool) {
	id, ok := c.currentCanvas()
	if !ok {
		return domain.ChunkKey{}, false
	}
	cv, ok := c.srv.opts.Catalog.Canvas(id)
	if !ok {
		return domain.ChunkKey{}, false
	}
	n := cv.ChunksPerSide()
	if int(ch.X) >= n || int(ch.Y) >= n {
		return domain.ChunkKey{}, false
	}
	return domain.ChunkKey{Canvas: id, X: int(ch.X), Y: int(ch.Y)}, true
}

func (c *conn) subscribe(ch protocol.ChunkCoord) {
	key, ok := c.chunkKey(ch)
	if !ok {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	if err := c.srv.opts.Registry.Subscribe(c, key); err != nil {
		c.log.Debug("subscription rejected", zap.Stringer("chunk", key), zap.Error(err))
		c.Deliver(protocol.Encode(protocol.SubscriptionRejected{Chunk: ch}))
	}
}

func (c *conn) unsubscribe(ch protocol.ChunkCoord) {
	if key, ok := c.chunkKey(ch); ok {
		c.srv.opts.Registry.Unsubscribe(c.id, key)
	}
}

// place despacha a colocação no pool de workers. A leitura do socket espera
// no máximo Workers.AcquireTimeout por uma vaga.
func (c *conn) place(m protocol.PlacementRequest) {
	id, ok := c.currentCanvas()
	if !ok {
		c.reply(domain.PlacementResult{RetCode: domain.RetCanvasUnavailable})
		return
	}
	req := domain.PixelRequest{
		Requester:   c.who,
		Canvas:      id,
		ChunkX:      int(m.Chunk.X),
		ChunkY:      int(m.Chunk.Y),
		ConnectedAt: c.connectedAt,
		Pixels:      m.Pixels,
	}

	// a colocação termina mesmo se a conexão cair no meio
	ctx := context.WithoutCancel(c.ctx)
	started := c.srv.dispatch.Go(c.ctx, func() {
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error("placement worker panic", zap.Any("panic", rec))
				c.reply(domain.PlacementResult{RetCode: domain.RetInternal})
			}
		}()
		c.reply(c.srv.opts.Pipeline.Place(ctx, req))
	})
	if !started {
		c.reply(domain.PlacementResult{RetCode: domain.RetBusy})
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(c.srv.opts.PingEvery)
	defer func() {
		ping.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	write := func(typ int, data []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteWait))
		return c.ws.WriteMessage(typ, data)
	}

	for {
		select {
		case frame := <-c.send:
			if err := write(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

package canvas

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/application"
	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/infra"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCanvas() domain.Canvas {
	return domain.Canvas{
		ID:              0,
		Size:            1000,
		ChunkSize:       256,
		Colors:          []string{"#fff", "#000", "#f00", "#0f0", "#00f", "#ff0", "#0ff", "#f0f"},
		PixelCooldownMs: 2000,
		CooldownCapMs:   20000,
	}
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	registry *infra.Registry
	chunks   *infra.MemoryChunkStore
}

// newTestEnv sobe o transporte completo sobre a infra em memória. O relógio do
// pipeline anda uma hora à frente para que conexões novas não recebam crédito.
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	catalog := infra.NewStaticCatalog(testCanvas())
	registry := infra.NewRegistry(0)
	chunks := infra.NewMemoryChunkStore(catalog)
	pipe := &application.Pipeline{
		Catalog:   catalog,
		Gate:      infra.NewLeaseGate(),
		Admission: application.AdmissionService{Store: infra.NewMemoryAdmissionStore()},
		Chunks:    chunks,
		Publisher: registry,
		Now:       func() time.Time { return time.Now().Add(time.Hour) },
	}

	opts := Options{
		Catalog:  catalog,
		Pipeline: pipe,
		Registry: registry,
		Chunks:   chunks,
		Workers:  WorkerOptions{Max: 4, AcquireTimeout: 100 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testEnv{srv: srv, http: ts, registry: registry, chunks: chunks}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m protocol.Message) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(m)))
}

// recvOp lê frames até achar o opcode pedido (OnlineCounter e outros são ignorados).
func recvOp(t *testing.T, ws *websocket.Conn, op byte) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Opcode() == op {
			return msg
		}
	}
}

func pixels(color uint8, offsets ...uint32) []domain.PixelChange {
	out := make([]domain.PixelChange, len(offsets))
	for i, o := range offsets {
		out[i] = domain.PixelChange{Offset: o, Color: color}
	}
	return out
}

func TestServer_PlacementIsAnsweredAndBroadcastToSubscribers(t *testing.T) {
	env := newTestEnv(t, nil)
	key := domain.ChunkKey{Canvas: 0, X: 0, Y: 0}

	watcher := env.dial(t)
	send(t, watcher, protocol.RegisterCanvas{Canvas: 0})
	send(t, watcher, protocol.RegisterChunk{Chunk: protocol.ChunkCoord{X: 0, Y: 0}})
	require.Eventually(t, func() bool { return env.registry.Subscribers(key) == 1 },
		time.Second, 5*time.Millisecond)

	placer := env.dial(t)
	send(t, placer, protocol.RegisterCanvas{Canvas: 0})
	px := pixels(3, 0, 1, 2, 3, 4)
	send(t, placer, protocol.PlacementRequest{Chunk: protocol.ChunkCoord{X: 0, Y: 0}, Pixels: px})

	res := recvOp(t, placer, protocol.OpPlacementResult).(protocol.PlacementResult)
	assert.Equal(t, domain.RetOK, res.RetCode)
	assert.Equal(t, uint8(5), res.PxlCnt)
	assert.Equal(t, uint32(10000), res.CoolDownMs)
	assert.Equal(t, uint32(10000), res.WaitMs)

	diff := recvOp(t, watcher, protocol.OpChunkDiff).(protocol.ChunkDiff)
	assert.Equal(t, domain.CanvasID(0), diff.Canvas)
	assert.Equal(t, protocol.ChunkCoord{X: 0, Y: 0}, diff.Chunk)
	assert.Equal(t, px, diff.Pixels)

	buf, err := env.chunks.Read(context.Background(), key)
	require.NoError(t, err)
	for _, p := range px {
		if buf[p.Offset] != 3 {
			t.Fatalf("offset %d not written: %d", p.Offset, buf[p.Offset])
		}
	}
}

func TestServer_PlacementWithoutCanvasIsUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)

	ws := env.dial(t)
	send(t, ws, protocol.PlacementRequest{Chunk: protocol.ChunkCoord{}, Pixels: pixels(1, 0)})

	res := recvOp(t, ws, protocol.OpPlacementResult).(protocol.PlacementResult)
	if res.RetCode != domain.RetCanvasUnavailable {
		t.Fatalf("expected canvas unavailable, got %v", res.RetCode)
	}
}

func TestServer_UnknownCanvasLeavesConnectionWithoutCanvas(t *testing.T) {
	env := newTestEnv(t, nil)

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 9})
	send(t, ws, protocol.PlacementRequest{Chunk: protocol.ChunkCoord{}, Pixels: pixels(1, 0)})

	res := recvOp(t, ws, protocol.OpPlacementResult).(protocol.PlacementResult)
	assert.Equal(t, domain.RetCanvasUnavailable, res.RetCode)
}

func TestServer_SubscriptionOverLimitIsRejected(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Registry = infra.NewRegistry(1) })

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	send(t, ws, protocol.RegisterChunks{Chunks: []protocol.ChunkCoord{{X: 0, Y: 0}, {X: 1, Y: 0}}})

	rej := recvOp(t, ws, protocol.OpSubscriptionRejected).(protocol.SubscriptionRejected)
	assert.Equal(t, protocol.ChunkCoord{X: 1, Y: 0}, rej.Chunk)
}

func TestServer_CanvasSwitchDropsSubscriptions(t *testing.T) {
	other := testCanvas()
	other.ID = 1
	catalog := infra.NewStaticCatalog(testCanvas(), other)
	env := newTestEnv(t, func(o *Options) { o.Catalog = catalog })

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	send(t, ws, protocol.RegisterChunk{Chunk: protocol.ChunkCoord{X: 1, Y: 1}})
	key := domain.ChunkKey{Canvas: 0, X: 1, Y: 1}
	require.Eventually(t, func() bool { return env.registry.Subscribers(key) == 1 },
		time.Second, 5*time.Millisecond)

	send(t, ws, protocol.RegisterCanvas{Canvas: 1})
	require.Eventually(t, func() bool { return env.registry.Subscribers(key) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServer_FloodedPlacementGetsBusy(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Flood = infra.NewFloodStore(0.02, 1) })

	ws := env.dial(t)
	// o primeiro frame gasta o único token
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	send(t, ws, protocol.PlacementRequest{Chunk: protocol.ChunkCoord{}, Pixels: pixels(1, 0)})

	res := recvOp(t, ws, protocol.OpPlacementResult).(protocol.PlacementResult)
	assert.Equal(t, domain.RetBusy, res.RetCode)
}

func TestServer_PresenceBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	require.Eventually(t, func() bool { return env.srv.LocalCounts()[0] == 1 },
		time.Second, 5*time.Millisecond)

	env.srv.BroadcastPresence(context.Background())

	m := recvOp(t, ws, protocol.OpOnlineCounter).(protocol.OnlineCounter)
	assert.Equal(t, uint16(1), m.Total)
	assert.Equal(t, []protocol.CanvasCount{{Canvas: 0, Count: 1}}, m.Canvases)
}

func TestServer_PresenceUsesSharedStore(t *testing.T) {
	presence := infra.NewMemoryPresence()
	require.NoError(t, presence.Report(context.Background(), "other-node", map[domain.CanvasID]int{0: 4}))
	env := newTestEnv(t, func(o *Options) { o.Presence = presence })

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	require.Eventually(t, func() bool { return env.srv.LocalCounts()[0] == 1 },
		time.Second, 5*time.Millisecond)

	env.srv.BroadcastPresence(context.Background())
	m := recvOp(t, ws, protocol.OpOnlineCounter).(protocol.OnlineCounter)
	assert.Equal(t, uint16(5), m.Total)

	resp, err := http.Get(env.http.URL + "/api/online")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got onlineReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, 5, got.Canvases["0"])
}

func TestServer_ChunkAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	key := domain.ChunkKey{Canvas: 0, X: 2, Y: 1}
	require.NoError(t, env.chunks.WriteOffsets(context.Background(), key, pixels(6, 10)))

	resp, err := http.Get(env.http.URL + "/api/chunks/0/2/1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Len(t, body, 256*256)
	assert.Equal(t, byte(6), body[10])

	cases := map[string]int{
		"/api/chunks/9/0/0":   http.StatusNotFound,
		"/api/chunks/0/4/0":   http.StatusNotFound,
		"/api/chunks/0/x/0":   http.StatusBadRequest,
		"/api/chunks/300/0/0": http.StatusBadRequest,
	}
	for path, want := range cases {
		resp, err := http.Get(env.http.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_CloseDropsConnectionsAndSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	key := domain.ChunkKey{Canvas: 0, X: 0, Y: 0}

	ws := env.dial(t)
	send(t, ws, protocol.RegisterCanvas{Canvas: 0})
	send(t, ws, protocol.RegisterChunk{Chunk: protocol.ChunkCoord{}})
	require.Eventually(t, func() bool { return env.registry.Subscribers(key) == 1 },
		time.Second, 5*time.Millisecond)

	env.srv.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, env.registry.Subscribers(key))
	assert.Equal(t, 0, env.srv.Connections())
}

func TestConn_SubscribeAfterCloseIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	c := newConn(env.srv, nil, domain.Requester{Origin: "10.0.0.1"})
	c.registerCanvas(0)

	// o writer fechou a conexão enquanto o reader ainda processava um RegisterChunk
	c.close()
	c.subscribe(protocol.ChunkCoord{X: 1, Y: 1})

	assert.Zero(t, env.registry.Subscriptions(c.ID()))
	assert.Zero(t, env.registry.Subscribers(domain.ChunkKey{Canvas: 0, X: 1, Y: 1}))
}

func TestNewServer_RequiresCoreDependencies(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestOnlineCounter_SortsAndSaturates(t *testing.T) {
	m := onlineCounter(map[domain.CanvasID]int{3: 70000, 1: 2})
	assert.Equal(t, uint16(1<<16-1), m.Total)
	assert.Equal(t, []protocol.CanvasCount{{Canvas: 1, Count: 2}, {Canvas: 3, Count: 1<<16 - 1}}, m.Canvases)
}

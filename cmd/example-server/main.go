package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas-gateway/realtime/canvas"
	"canvas-gateway/realtime/canvas/application"
	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/infra"

	"go.uber.org/zap"
)

func main() {
	// Exemplo: canvas único, tudo em memória (sem Redis/Postgres)
	logr, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()

	catalog := infra.NewStaticCatalog(domain.Canvas{
		ID:              0,
		Ident:           "d",
		Title:           "Exemplo",
		Size:            1024,
		ChunkSize:       256,
		Colors:          []string{"#ffffff", "#000000", "#ff0000", "#00ff00", "#0000ff", "#ffff00", "#00ffff", "#ff00ff"},
		PixelCooldownMs: 2000,
		CooldownCapMs:   20000,
		Ranked:          true,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := infra.NewRegistry(200)
	chunks := infra.NewMemoryChunkStore(catalog)
	gate := infra.NewLeaseGate(infra.WithGateLogger(logr))
	gate.StartReaper(ctx)

	flood := infra.NewFloodStore(20, 40)
	flood.StartJanitor(ctx)

	admission := infra.NewMemoryAdmissionStore()
	admission.StartJanitor(ctx, time.Minute)

	srv, err := canvas.NewServer(canvas.Options{
		Catalog: catalog,
		Pipeline: &application.Pipeline{
			Catalog: catalog,
			Gate:    gate,
			Admission: application.AdmissionService{
				Store:         admission,
				NewConnMargin: time.Second,
			},
			Chunks:    chunks,
			Publisher: registry,
			Log:       infra.NewMemoryPlacementLog(10000),
			Stats:     infra.NewMemoryPixelStats(),
			Logger:    logr,
		},
		Registry:    registry,
		Chunks:      chunks,
		Presence:    infra.NewMemoryPresence(),
		Resolver:    canvas.OriginResolver{UserHeader: "X-User"}, // ou vazio para só anônimos
		Flood:       flood,
		Workers:     canvas.WorkerOptions{Max: 64, AcquireTimeout: 250 * time.Millisecond},
		Concurrency: canvas.ConcurrencyOptions{Max: 50},
		Logger:      logr,
	})
	if err != nil {
		log.Fatalf("canvas server: %v", err)
	}
	go srv.Run(ctx)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("example server listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

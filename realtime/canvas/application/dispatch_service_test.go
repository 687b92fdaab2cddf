package application

import (
	"context"
	"testing"
	"time"
)

type blockingPool struct {
}

func (p *blockingPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(5 * time.Second):
		// não deve chegar aqui nos testes
		return nil, false
	}
}

type immediatePool struct {
	acquired int
	released chan struct{}
}

func (p *immediatePool) Acquire(ctx context.Context) (func(), bool) {
	p.acquired++
	return func() {
		if p.released != nil {
			close(p.released)
		}
	}, true
}

func TestDispatchService_Acquire_AllowsWhenNoPool(t *testing.T) {
	svc := DispatchService{}
	release, ok := svc.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected ok")
	}
	release()
}

func TestDispatchService_Acquire_UsesTimeout(t *testing.T) {
	pool := &blockingPool{}
	svc := DispatchService{Pool: pool, AcquireTimeout: 10 * time.Millisecond}

	_, ok := svc.Acquire(context.Background())
	if ok {
		t.Fatalf("expected timeout and ok=false")
	}
}

func TestDispatchService_Acquire_NoTimeoutDelegatesToPool(t *testing.T) {
	pool := &immediatePool{}
	svc := DispatchService{Pool: pool, AcquireTimeout: 0}

	_, ok := svc.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected ok")
	}
	if pool.acquired != 1 {
		t.Fatalf("expected pool Acquire to be called once, got %d", pool.acquired)
	}
}

func TestDispatchService_Go_RunsAndReleases(t *testing.T) {
	pool := &immediatePool{released: make(chan struct{})}
	svc := DispatchService{Pool: pool}

	ran := make(chan struct{})
	if !svc.Go(context.Background(), func() { close(ran) }) {
		t.Fatalf("expected task to be dispatched")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("task did not run")
	}
	select {
	case <-pool.released:
	case <-time.After(time.Second):
		t.Fatalf("slot was not released")
	}
}

func TestDispatchService_Go_RejectsWhenPoolExhausted(t *testing.T) {
	svc := DispatchService{Pool: &blockingPool{}, AcquireTimeout: 5 * time.Millisecond}

	if svc.Go(context.Background(), func() { t.Errorf("must not run") }) {
		t.Fatalf("expected dispatch to fail")
	}
}

package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReputation_Codes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("origin") {
		case "1.1.1.1":
			_, _ = w.Write([]byte(`{"allow":true}`))
		case "2.2.2.2":
			_, _ = w.Write([]byte(`{"allow":false,"code":12}`))
		case "3.3.3.3":
			_, _ = w.Write([]byte(`{"allow":false}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	rep := NewHTTPReputation(srv.URL+"/check", nil)
	ctx := context.Background()

	code, err := rep.Check(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetOK, code)

	code, err = rep.Check(ctx, "2.2.2.2")
	require.NoError(t, err)
	assert.Equal(t, domain.RetCountryBlocked, code)

	code, err = rep.Check(ctx, "3.3.3.3")
	require.NoError(t, err)
	assert.Equal(t, domain.RetProxy, code)

	_, err = rep.Check(ctx, "9.9.9.9")
	assert.Error(t, err)
}

type failingChecker struct{ calls atomic.Int32 }

func (f *failingChecker) Check(context.Context, string) (domain.RetCode, error) {
	f.calls.Add(1)
	return domain.RetOK, errors.New("boom")
}

func TestBreakerReputation_OpensAfterFailures(t *testing.T) {
	next := &failingChecker{}
	b := NewBreakerReputation(next, 3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		code, err := b.Check(context.Background(), "o")
		assert.Error(t, err)
		assert.Equal(t, domain.RetOK, code, "failures must fail open")
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Check(context.Background(), "o")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestStaticRankMultiplier(t *testing.T) {
	m := NewStaticRankMultiplier(map[string]float64{"BR": 2, "xx": -1})
	ctx := context.Background()

	assert.Equal(t, 2.0, m.Factor(ctx, domain.Requester{Country: "br"}))
	assert.Equal(t, 1.0, m.Factor(ctx, domain.Requester{Country: "de"}))
	assert.Equal(t, 1.0, m.Factor(ctx, domain.Requester{Country: "xx"}), "negative factors are ignored")
}

package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPReputation consulta um serviço de reputação de origem:
//
//	GET <endpoint>?origin=<origem>  ->  {"allow": true} | {"allow": false, "code": 11}
//
// Resposta negativa sem código vira RetProxy.
type HTTPReputation struct {
	endpoint string
	client   *http.Client
}

type reputationReply struct {
	Allow bool `json:"allow"`
	Code  int  `json:"code"`
}

var _ domain.ReputationChecker = (*HTTPReputation)(nil)

func NewHTTPReputation(endpoint string, client *http.Client) *HTTPReputation {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPReputation{endpoint: endpoint, client: client}
}

func (h *HTTPReputation) Check(ctx context.Context, origin string) (domain.RetCode, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return domain.RetOK, fmt.Errorf("reputation endpoint: %w", err)
	}
	q := u.Query()
	q.Set("origin", origin)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.RetOK, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return domain.RetOK, fmt.Errorf("reputation check %s: %w", origin, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.RetOK, fmt.Errorf("reputation check %s: status %d", origin, resp.StatusCode)
	}
	var rep reputationReply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return domain.RetOK, fmt.Errorf("reputation check %s: %w", origin, err)
	}
	if rep.Allow {
		return domain.RetOK, nil
	}
	code := domain.RetCode(rep.Code)
	if !code.IsReputation() {
		code = domain.RetProxy
	}
	return code, nil
}

// BreakerReputation protege o checker com um circuit breaker. Com o circuito
// aberto a checagem falha na hora (ErrOpenState) e quem chama deixa passar.
type BreakerReputation struct {
	next domain.ReputationChecker
	cb   *gobreaker.CircuitBreaker
}

var _ domain.ReputationChecker = (*BreakerReputation)(nil)

// NewBreakerReputation abre o circuito após `failures` erros seguidos e tenta
// de novo depois de `cooldown`.
func NewBreakerReputation(next domain.ReputationChecker, failures uint32, cooldown time.Duration, log *zap.Logger) *BreakerReputation {
	if log == nil {
		log = zap.NewNop()
	}
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reputation",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerReputation{next: next, cb: cb}
}

func (b *BreakerReputation) Check(ctx context.Context, origin string) (domain.RetCode, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Check(ctx, origin)
	})
	if err != nil {
		return domain.RetOK, err
	}
	return v.(domain.RetCode), nil
}

func (b *BreakerReputation) State() string { return b.cb.State().String() }

// StaticReputation responde a partir de uma tabela fixa; origens fora dela passam.
type StaticReputation map[string]domain.RetCode

func (s StaticReputation) Check(_ context.Context, origin string) (domain.RetCode, error) {
	if code, ok := s[origin]; ok {
		return code, nil
	}
	return domain.RetOK, nil
}

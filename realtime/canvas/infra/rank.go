package infra

import (
	"context"
	"strings"

	"canvas-gateway/realtime/canvas/domain"
)

// StaticRankMultiplier escala o cooldown por país a partir de uma tabela fixa.
// Países fora da tabela (ou desconhecidos) usam 1.
type StaticRankMultiplier struct {
	Countries map[string]float64
}

var _ domain.RankMultiplier = StaticRankMultiplier{}

func NewStaticRankMultiplier(countries map[string]float64) StaticRankMultiplier {
	m := make(map[string]float64, len(countries))
	for k, v := range countries {
		if v >= 0 {
			m[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return StaticRankMultiplier{Countries: m}
}

func (s StaticRankMultiplier) Factor(_ context.Context, r domain.Requester) float64 {
	if f, ok := s.Countries[strings.ToLower(r.Country)]; ok {
		return f
	}
	return 1
}

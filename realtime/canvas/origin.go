package canvas

import (
	"context"
	"net"
	"net/http"
	"strings"

	"canvas-gateway/realtime/canvas/domain"
)

// OriginFunc extrai a chave de rede grosseira de uma requisição.
type OriginFunc func(r *http.Request) string

// DefaultOriginFunc devolve o IPv4 inteiro ou o prefixo /64 do IPv6.
// Com trustXFF usa o primeiro IP do X-Forwarded-For (cliente original).
func DefaultOriginFunc(trustXFF bool) OriginFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if len(parts) > 0 {
					ip := strings.TrimSpace(parts[0])
					if ip != "" {
						return networkKey(ip)
					}
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return networkKey(host)
		}
		if r.RemoteAddr != "" {
			return networkKey(r.RemoteAddr)
		}
		return "unknown"
	}
}

func networkKey(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return (&net.IPNet{IP: ip.Mask(net.CIDRMask(64, 128)), Mask: net.CIDRMask(64, 128)}).String()
}

// IdentityResolver transforma a requisição de upgrade em Requester.
// Autenticação e sessão ficam fora deste pacote; implementações reais
// consultam o serviço de contas.
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request) (domain.Requester, error)
}

// OriginResolver é o resolvedor padrão: identidade anônima pela origem de rede.
//
// UserHeader, quando configurado e presente, é confiado como id de usuário já
// autenticado por um proxy à frente (conta registrada e verificada).
// CountryHeader (ex.: CF-IPCountry) preenche o país.
type OriginResolver struct {
	Origin        OriginFunc
	UserHeader    string
	CountryHeader string
}

func (o OriginResolver) Resolve(_ context.Context, r *http.Request) (domain.Requester, error) {
	originFn := o.Origin
	if originFn == nil {
		originFn = DefaultOriginFunc(false)
	}
	req := domain.Requester{Origin: originFn(r)}
	if o.CountryHeader != "" {
		req.Country = strings.ToLower(strings.TrimSpace(r.Header.Get(o.CountryHeader)))
	}

	if o.UserHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(o.UserHeader)); v != "" {
			req.Identity = domain.UserIdentity(v)
			req.Privilege = domain.PrivilegeUser
			req.Verified = true
			return req, nil
		}
	}
	req.Identity = domain.OriginIdentity(req.Origin)
	return req, nil
}

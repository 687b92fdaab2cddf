package domain

import (
	"context"
	"fmt"
	"strings"
)

// Identity é a chave de cooldown e de single-flight:
// "u:<id>" para usuário registrado, "ip:<subnet>" para anônimo.
type Identity string

func UserIdentity(id string) Identity { return Identity("u:" + id) }
func OriginIdentity(origin string) Identity { return Identity("ip:" + origin) }

// Anonymous indica identidade sem conta persistente.
func (i Identity) Anonymous() bool { return !strings.HasPrefix(string(i), "u:") }

type Privilege int

const (
	PrivilegeNone Privilege = iota
	PrivilegeUser
	PrivilegeTrusted
	PrivilegeModerator
	PrivilegeAdmin
)

var privilegeNames = map[string]Privilege{
	"":          PrivilegeNone,
	"none":      PrivilegeNone,
	"user":      PrivilegeUser,
	"trusted":   PrivilegeTrusted,
	"moderator": PrivilegeModerator,
	"admin":     PrivilegeAdmin,
}

// ParsePrivilege converte o nome usado na configuração ("user", "admin", ...).
func ParsePrivilege(s string) (Privilege, error) {
	p, ok := privilegeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return PrivilegeNone, fmt.Errorf("unknown privilege %q", s)
	}
	return p, nil
}

// Staff pode usar cores reservadas e escrever em regiões protegidas.
func (p Privilege) Staff() bool { return p >= PrivilegeModerator }

// Requester é o resultado da resolução de identidade de uma conexão
// (colaborador externo): quem é, de onde vem, e o que pode.
type Requester struct {
	Identity  Identity
	Origin    string // chave de rede grosseira (IPv4 inteiro, IPv6 /64)
	Privilege Privilege
	Banned    bool
	Verified  bool
	Country   string
}

// NeedsReputation indica que a origem precisa de checagem de reputação
// enquanto não houver resultado em cache.
func (r Requester) NeedsReputation() bool {
	if r.Privilege.Staff() {
		return false
	}
	return r.Identity.Anonymous() || !r.Verified
}

// ReputationChecker consulta um serviço externo (proxy/VPN, faixa banida, país).
// Retorna RetOK quando a origem é permitida, ou um código de reputação.
type ReputationChecker interface {
	Check(ctx context.Context, origin string) (RetCode, error)
}

// RankMultiplier devolve o fator de escala do cooldown de um requester
// (ex.: multiplicador por país). 1 = sem alteração.
type RankMultiplier interface {
	Factor(ctx context.Context, r Requester) float64
}

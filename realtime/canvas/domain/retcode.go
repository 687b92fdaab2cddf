package domain

import "strconv"

// RetCode é o código numérico estável devolvido ao cliente em PlacementResult.
// Os valores fazem parte do protocolo: nunca renumere.
type RetCode uint8

const (
	RetOK                RetCode = 0
	RetCanvasUnavailable RetCode = 1
	RetChunkXOutOfBounds RetCode = 2
	RetChunkYOutOfBounds RetCode = 3
	RetOffsetOutOfBounds RetCode = 4
	RetColorInvalid      RetCode = 5
	RetUnverified        RetCode = 6
	RetPrivilegeRequired RetCode = 7
	RetProtected         RetCode = 8
	RetCooldown          RetCode = 9 // só aparece no log de colocação
	RetProxy             RetCode = 11
	RetCountryBlocked    RetCode = 12
	RetBusy              RetCode = 13
	RetBanned            RetCode = 14
	RetRangeBanned       RetCode = 15
	RetInternal          RetCode = 20
)

var retCodeNames = map[RetCode]string{
	RetOK:                "ok",
	RetCanvasUnavailable: "canvas_unavailable",
	RetChunkXOutOfBounds: "chunk_x_out_of_bounds",
	RetChunkYOutOfBounds: "chunk_y_out_of_bounds",
	RetOffsetOutOfBounds: "offset_out_of_bounds",
	RetColorInvalid:      "color_invalid",
	RetUnverified:        "unverified",
	RetPrivilegeRequired: "privilege_required",
	RetProtected:         "protected",
	RetCooldown:          "cooldown",
	RetProxy:             "proxy",
	RetCountryBlocked:    "country_blocked",
	RetBusy:              "busy",
	RetBanned:            "banned",
	RetRangeBanned:       "range_banned",
	RetInternal:          "internal",
}

func (c RetCode) String() string {
	if s, ok := retCodeNames[c]; ok {
		return s
	}
	return "retcode_" + strconv.Itoa(int(c))
}

// Retryable indica se um cliente bem-comportado pode repetir imediatamente.
// Todos os outros códigos exigem que o cliente mude algo (esperar, logar, verificar).
func (c RetCode) Retryable() bool { return c == RetBusy }

// IsReputation indica códigos produzidos pela checagem de reputação externa.
func (c RetCode) IsReputation() bool {
	return c == RetProxy || c == RetCountryBlocked || c == RetRangeBanned
}

package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/redis/go-redis/v9"
)

// admitScript espelha domain.ApplyAdmission e roda inteiro no servidor Redis:
// leitura, decisão e escrita do cooldown numa única transação.
//
// KEYS[1] = hash do cooldown {rem, ts}; KEYS[2] = cache de reputação da origem.
// ARGV = now, cap, credit, firstCost, checkOrigin, custos...
// Retorno = {admitted, charged, remaining, needProxycheck, deniedCode}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local credit = tonumber(ARGV[3])
local firstCost = tonumber(ARGV[4])

local needCheck = 0
if ARGV[5] == '1' then
  local rep = redis.call('GET', KEYS[2])
  if rep then
    local code = tonumber(rep)
    if code ~= 0 then
      return {0, 0, 0, 0, code}
    end
  else
    needCheck = 1
  end
end

local rem = 0
local st = redis.call('HMGET', KEYS[1], 'rem', 'ts')
if st[1] and st[2] then
  rem = tonumber(st[1]) - (now - tonumber(st[2]))
  if rem < 0 then
    rem = 0
  end
end
local fresh = rem == 0
if credit > rem then
  rem = credit
end
if rem > cap then
  rem = cap
end
local start = rem

local penalty = fresh and firstCost > 0
local admitted = 0
for i = 6, #ARGV do
  local c = tonumber(ARGV[i])
  if c > 0 and penalty then
    c = firstCost
    penalty = false
  end
  if rem + c > cap then
    break
  end
  rem = rem + c
  admitted = admitted + 1
end

local charged = rem - start
if charged > 0 then
  redis.call('HSET', KEYS[1], 'rem', rem, 'ts', ARGV[1])
  redis.call('PEXPIRE', KEYS[1], rem)
end
return {admitted, charged, rem, needCheck, 0}
`)

var refundScript = redis.NewScript(`
local st = redis.call('HMGET', KEYS[1], 'rem', 'ts')
if not st[1] or not st[2] then
  return 0
end
local now = tonumber(ARGV[1])
local rem = tonumber(st[1]) - (now - tonumber(st[2])) - tonumber(ARGV[2])
if rem <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('HSET', KEYS[1], 'rem', rem, 'ts', ARGV[1])
redis.call('PEXPIRE', KEYS[1], rem)
return rem
`)

// RedisAdmissionStore guarda o estado de cooldown no Redis e o altera apenas
// pelos scripts acima, então vários processos podem admitir em paralelo.
// A chave expira sozinha quando o cooldown efetivo chega a zero.
type RedisAdmissionStore struct {
	rdb              *redis.Client
	reputationPrefix string
}

type RedisAdmissionOption func(*RedisAdmissionStore)

func WithReputationPrefix(prefix string) RedisAdmissionOption {
	return func(s *RedisAdmissionStore) {
		s.reputationPrefix = strings.Trim(prefix, ":")
	}
}

func NewRedisAdmissionStore(rdb *redis.Client, opts ...RedisAdmissionOption) *RedisAdmissionStore {
	s := &RedisAdmissionStore{
		rdb:              rdb,
		reputationPrefix: "isal",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisAdmissionStore) reputationKey(origin string) string {
	return s.reputationPrefix + ":" + origin
}

func (s *RedisAdmissionStore) Admit(ctx context.Context, req domain.AdmitRequest) (domain.AdmitOutcome, error) {
	check := "0"
	if req.CheckOrigin {
		check = "1"
	}
	args := make([]interface{}, 0, 5+len(req.CostsMs))
	args = append(args, req.NowMs, req.CapMs, req.CreditMs, req.FirstCostMs, check)
	for _, c := range req.CostsMs {
		args = append(args, c)
	}

	keys := []string{req.Key, s.reputationKey(req.Origin)}
	res, err := admitScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return domain.AdmitOutcome{}, fmt.Errorf("admit %s: %w", req.Key, err)
	}
	if len(res) != 5 {
		return domain.AdmitOutcome{}, fmt.Errorf("admit %s: unexpected script reply %v", req.Key, res)
	}
	return domain.AdmitOutcome{
		Admitted:       int(res[0]),
		ChargedMs:      res[1],
		RemainingMs:    res[2],
		NeedProxycheck: res[3] == 1,
		Denied:         domain.RetCode(res[4]),
	}, nil
}

func (s *RedisAdmissionStore) Refund(ctx context.Context, key string, amountMs int64, now time.Time) error {
	if amountMs <= 0 {
		return nil
	}
	if err := refundScript.Run(ctx, s.rdb, []string{key}, now.UnixMilli(), amountMs).Err(); err != nil {
		return fmt.Errorf("refund %s: %w", key, err)
	}
	return nil
}

func (s *RedisAdmissionStore) RecordReputation(ctx context.Context, origin string, code domain.RetCode, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.reputationKey(origin), strconv.Itoa(int(code)), ttl).Err()
}

// Remaining lê o cooldown efetivo atual (inspeção/diagnóstico; não participa da admissão).
func (s *RedisAdmissionStore) Remaining(ctx context.Context, key string, now time.Time) (int64, error) {
	vals, err := s.rdb.HMGet(ctx, key, "rem", "ts").Result()
	if err != nil {
		return 0, err
	}
	if vals[0] == nil || vals[1] == nil {
		return 0, nil
	}
	rem, err1 := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	ts, err2 := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("corrupt admission state at %s", key)
	}
	return domain.AdmissionState{RemainingMs: rem, UpdatedAtMs: ts}.Effective(now.UnixMilli()), nil
}

package infra

import (
	"context"
	"errors"
	"fmt"

	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel é o canal pub/sub compartilhado entre os processos.
const DefaultRelayChannel = "pixel:diff"

// commitScript grava os pixels e publica o diff numa única execução no
// Redis. Como scripts rodam um de cada vez, a ordem das mensagens no canal é
// a ordem das escritas, para todos os nós.
//
// KEYS[1] = chunk; ARGV[1] = canal; ARGV[2] = mensagem; ARGV[3..] = offset, cor.
var commitScript = redis.NewScript(`
for i = 3, #ARGV, 2 do
  redis.call('SETRANGE', KEYS[1], tonumber(ARGV[i]), ARGV[i + 1])
end
return redis.call('PUBLISH', ARGV[1], ARGV[2])
`)

// RedisRelay replica diffs entre processos.
//
// Mensagens no canal = id do nó de origem (16 bytes) + frame ChunkDiff.
// Publish e Commit só publicam; a entrega aos inscritos locais sai sempre de
// Run, inclusive para os diffs do próprio nó, e por isso segue a ordem única
// do canal. Sem Run nenhum inscrito local recebe nada.
//
// Commit exige WithRelayChunks: é ele que mantém escrita e anúncio juntos.
type RedisRelay struct {
	rdb     *redis.Client
	local   domain.Publisher
	chunks  *RedisChunkStore
	channel string
	node    uuid.UUID
	log     *zap.Logger
}

type RelayOption func(*RedisRelay)

func WithRelayChannel(ch string) RelayOption {
	return func(r *RedisRelay) {
		if ch != "" {
			r.channel = ch
		}
	}
}

func WithRelayLogger(l *zap.Logger) RelayOption {
	return func(r *RedisRelay) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRelayNodeID(id uuid.UUID) RelayOption {
	return func(r *RedisRelay) { r.node = id }
}

// WithRelayChunks liga o relay ao store cujos chunks Commit escreve.
func WithRelayChunks(s *RedisChunkStore) RelayOption {
	return func(r *RedisRelay) { r.chunks = s }
}

var (
	_ domain.Publisher     = (*RedisRelay)(nil)
	_ domain.DiffCommitter = (*RedisRelay)(nil)
)

var errRelayWithoutChunks = errors.New("relay: commit needs a chunk store")

func NewRedisRelay(rdb *redis.Client, local domain.Publisher, opts ...RelayOption) *RedisRelay {
	r := &RedisRelay{
		rdb:     rdb,
		local:   local,
		channel: DefaultRelayChannel,
		node:    uuid.New(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRelay) NodeID() uuid.UUID { return r.node }

func (r *RedisRelay) message(key domain.ChunkKey, diff []domain.PixelChange) []byte {
	frame := protocol.Encode(protocol.ChunkDiff{
		Canvas: key.Canvas,
		Chunk:  protocol.ChunkCoord{X: uint8(key.X), Y: uint8(key.Y)},
		Pixels: diff,
	})
	msg := make([]byte, 0, len(r.node)+len(frame))
	msg = append(msg, r.node[:]...)
	return append(msg, frame...)
}

// Publish anuncia um diff já gravado por outro caminho. Best-effort: falha
// de PUBLISH só é logada.
func (r *RedisRelay) Publish(ctx context.Context, key domain.ChunkKey, diff []domain.PixelChange) {
	if len(diff) == 0 {
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, r.message(key, diff)).Err(); err != nil {
		r.log.Warn("relay publish failed", zap.String("chunk", key.String()), zap.Error(err))
	}
}

// Commit grava o diff no chunk e o publica no mesmo script.
func (r *RedisRelay) Commit(ctx context.Context, key domain.ChunkKey, diff []domain.PixelChange) error {
	if len(diff) == 0 {
		return nil
	}
	if r.chunks == nil {
		return errRelayWithoutChunks
	}
	args := make([]any, 0, 2+2*len(diff))
	args = append(args, r.channel, r.message(key, diff))
	for _, px := range diff {
		args = append(args, int64(px.Offset), string([]byte{px.Color}))
	}
	if err := commitScript.Run(ctx, r.rdb, []string{r.chunks.key(key)}, args...).Err(); err != nil {
		return fmt.Errorf("commit chunk %s: %w", key, err)
	}
	return nil
}

// Run assina o canal e entrega os diffs aos inscritos locais, na ordem do
// canal, até o ctx encerrar.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// confirma a assinatura antes de começar a consumir
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, []byte(m.Payload))
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload []byte) {
	if len(payload) <= len(r.node) {
		r.log.Debug("relay: short message", zap.Int("bytes", len(payload)))
		return
	}
	from, err := uuid.FromBytes(payload[:len(r.node)])
	if err != nil {
		r.log.Debug("relay: bad node id", zap.Error(err))
		return
	}
	msg, err := protocol.Decode(payload[len(r.node):])
	if err != nil {
		r.log.Debug("relay: bad frame", zap.String("from", from.String()), zap.Error(err))
		return
	}
	diff, ok := msg.(protocol.ChunkDiff)
	if !ok {
		return
	}
	key := domain.ChunkKey{Canvas: diff.Canvas, X: int(diff.Chunk.X), Y: int(diff.Chunk.Y)}
	r.local.Publish(ctx, key, diff.Pixels)
}

// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisAdmissionStore: cooldown atômico via script Lua (MemoryAdmissionStore para testes)
//   - RedisChunkStore / MemoryChunkStore: buffers dos chunks
//   - LeaseGate: single-flight por identidade com reaper
//   - Registry + RedisRelay: índice de inscrições, fan-out e replicação entre processos
//   - FloodStore: token bucket por origem usando golang.org/x/time/rate
//   - ChanPool: semáforo simples para o pool de workers
//   - Catalog: catálogo de canvas (YAML via viper, com hot reload)
//   - PgPlacementLog, RedisPixelStats, RedisPresence: auditoria e estatísticas
package infra

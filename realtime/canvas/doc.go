// Package canvas é o transporte do canvas: websocket (gorilla) + API HTTP (chi).
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - protocol: frames binários do socket, decodificados uma vez na borda
//   - application: casos de uso (pipeline de colocação, admissão, pool, flood)
//   - infra: implementações concretas (Redis, Postgres, memória, registry)
//   - canvas (este pacote): upgrade, loops de leitura/escrita, middlewares HTTP
//
// Fluxo de uma colocação:
//
//  1. O cliente registra um canvas e os chunks visíveis
//  2. PlacementRequest passa pelo limite de flood da origem
//  3. A colocação roda no pool de workers (pool cheio = busy)
//  4. O pipeline commita e publica o diff aos inscritos do chunk
//  5. O PlacementResult volta pela mesma conexão
//
// Variáveis de ambiente do binário canvasd (cmd/canvasd) controlam o comportamento,
// como RATE_RPS, FLOOD_RPS, WORKERS_MAX e CONCURRENCY_MAX.
package canvas

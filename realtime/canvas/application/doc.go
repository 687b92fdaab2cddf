// Package application contém os casos de uso do motor de colocação:
// o pipeline de colocação, o modelo de custo da admissão, o pool de workers
// e a decisão anti-flood.
//
// Ele depende apenas do pacote domain e não conhece websocket, HTTP nem Redis.
// Ex.: Pipeline.Place(ctx, req) retorna um PlacementResult com o código estável.
package application

// Package domain define contratos e tipos de domínio do motor de colocação de pixels.
//
// Canvas, chunks, identidades, estado de cooldown (admissão), códigos de retorno
// estáveis e as interfaces que a camada application consome (ChunkStore,
// AdmissionStore, Gate, Publisher, PlacementLog, ...).
//
// Este pacote não depende de net/http, Redis nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain

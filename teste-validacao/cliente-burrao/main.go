package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"canvas-gateway/realtime/canvas/domain"
	"canvas-gateway/realtime/canvas/protocol"

	"github.com/gorilla/websocket"
)

// Cliente burro para validar o servidor na mão: conecta, se inscreve num chunk
// e dispara colocações em sequência, imprimindo cada resposta.
func main() {
	url := flag.String("url", "ws://localhost:8081/ws", "endereço do websocket")
	canvasID := flag.Int("canvas", 0, "id do canvas")
	cx := flag.Int("cx", 0, "chunk x")
	cy := flag.Int("cy", 0, "chunk y")
	n := flag.Int("n", 10, "quantidade de requisições")
	lote := flag.Int("pixels", 5, "pixels por requisição")
	cores := flag.Int("cores", 8, "quantidade de cores do canvas")
	intervalo := flag.Duration("intervalo", 500*time.Millisecond, "pausa entre requisições")
	flag.Parse()

	ws, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Printf("Erro ao conectar: %s\n", err)
		return
	}
	defer ws.Close()
	fmt.Printf("Conectado em %s\n", *url)

	chunk := protocol.ChunkCoord{X: uint8(*cx), Y: uint8(*cy)}
	enviar := func(m protocol.Message) {
		if err := ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(m)); err != nil {
			fmt.Printf("Erro ao enviar: %s\n", err)
		}
	}
	enviar(protocol.RegisterCanvas{Canvas: domain.CanvasID(*canvasID)})
	enviar(protocol.RegisterChunk{Chunk: chunk})

	resultados := make(chan protocol.PlacementResult)
	go func() {
		defer close(resultados)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				fmt.Printf("Conexão encerrada: %s\n", err)
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				fmt.Printf("Frame inválido: %s\n", err)
				continue
			}
			switch m := msg.(type) {
			case protocol.PlacementResult:
				resultados <- m
			case protocol.ChunkDiff:
				fmt.Printf("Log: diff no chunk (%d,%d) com %d pixels\n", m.Chunk.X, m.Chunk.Y, len(m.Pixels))
			case protocol.OnlineCounter:
				fmt.Printf("Log: %d online\n", m.Total)
			case protocol.SubscriptionRejected:
				fmt.Printf("Log: inscrição recusada no chunk (%d,%d)\n", m.Chunk.X, m.Chunk.Y)
			}
		}
	}()

	for i := 1; i <= *n; i++ {
		px := make([]domain.PixelChange, *lote)
		for j := range px {
			px[j] = domain.PixelChange{
				Offset: uint32(rand.IntN(256 * 256)),
				Color:  uint8(rand.IntN(*cores)),
			}
		}
		enviar(protocol.PlacementRequest{Chunk: chunk, Pixels: px})

		select {
		case r, ok := <-resultados:
			if !ok {
				return
			}
			fmt.Printf("Requisição %d: código=%s pixels=%d espera=%dms cooldown=%dms\n",
				i, r.RetCode, r.PxlCnt, r.WaitMs, r.CoolDownMs)
		case <-time.After(5 * time.Second):
			fmt.Printf("Requisição %d: sem resposta\n", i)
		}
		time.Sleep(*intervalo)
	}
}

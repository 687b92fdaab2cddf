package canvas

import (
	"encoding/json"
	"net/http"
	"strconv"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type onlineReply struct {
	Total    int            `json:"total"`
	Canvases map[string]int `json:"canvases"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Online(r.Context())
	if err != nil {
		s.log.Warn("online counts failed", zap.Error(err))
		counts = s.LocalCounts()
	}
	out := onlineReply{Canvases: make(map[string]int, len(counts))}
	for id, n := range counts {
		out.Total += n
		out.Canvases[strconv.Itoa(int(id))] = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(out)
}

// handleChunk devolve o buffer cru do chunk (um byte de cor por pixel).
// É o caminho de ressincronização do cliente depois de perder diffs.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id, err1 := strconv.ParseUint(chi.URLParam(r, "canvas"), 10, 8)
	cx, err2 := strconv.Atoi(chi.URLParam(r, "cx"))
	cy, err3 := strconv.Atoi(chi.URLParam(r, "cy"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cv, ok := s.opts.Catalog.Canvas(domain.CanvasID(id))
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	n := cv.ChunksPerSide()
	if cx < 0 || cy < 0 || cx >= n || cy >= n {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	buf, err := s.opts.Chunks.Read(r.Context(), domain.ChunkKey{Canvas: cv.ID, X: cx, Y: cy})
	if err != nil {
		s.log.Error("chunk read failed",
			zap.Uint8("canvas", uint8(cv.ID)),
			zap.Int("cx", cx),
			zap.Int("cy", cy),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	_, _ = w.Write(buf)
}

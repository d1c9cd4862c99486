package admin

import (
	"net/http"

	"github.com/maxpert/tidemark/hlc"
)

// handleConns returns every subscriber connection
func (h *AdminHandlers) handleConns(w http.ResponseWriter, r *http.Request) {
	if h.src.Conns == nil {
		writeErrorResponse(w, http.StatusNotFound, "no connection hub")
		return
	}
	writeJSONResponse(w, h.src.Conns.Stats())
}

// handleRouter returns apply worker queue stats
func (h *AdminHandlers) handleRouter(w http.ResponseWriter, r *http.Request) {
	if h.src.Router == nil {
		writeErrorResponse(w, http.StatusNotFound, "apply router not running")
		return
	}
	writeJSONResponse(w, h.src.Router.Stats())
}

// handlePublisher returns each export sink's position
func (h *AdminHandlers) handlePublisher(w http.ResponseWriter, r *http.Request) {
	if h.src.Publisher == nil {
		writeErrorResponse(w, http.StatusNotFound, "publisher disabled")
		return
	}
	writeJSONResponse(w, h.src.Publisher.Stats())
}

// handleSummary rolls the node's region stats up
func (h *AdminHandlers) handleSummary(w http.ResponseWriter, r *http.Request) {
	stats := h.src.Regions.Stats()

	states := make(map[string]int)
	var locks, subscribers int
	minResolved := hlc.Max
	for _, s := range stats {
		states[s.State]++
		locks += s.Locks
		subscribers += s.Subscribers
		minResolved = hlc.Min(minResolved, s.ResolvedTS)
	}
	if len(stats) == 0 {
		minResolved = 0
	}

	writeJSONResponse(w, map[string]interface{}{
		"regions":      len(stats),
		"states":       states,
		"locks":        locks,
		"subscribers":  subscribers,
		"min_resolved": minResolved,
	})
}

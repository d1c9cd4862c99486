package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/tidemark/delegate"
)

// handleListRegions handles GET /admin/regions[?state=]
func (h *AdminHandlers) handleListRegions(w http.ResponseWriter, r *http.Request) {
	stats := h.src.Regions.Stats()
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSONResponse(w, stats)
		return
	}

	filtered := make([]delegate.Stats, 0, len(stats))
	for _, s := range stats {
		if s.State == state {
			filtered = append(filtered, s)
		}
	}
	writeJSONResponse(w, filtered)
}

// regionFromPath resolves {regionID}, writing the error response itself
func (h *AdminHandlers) regionFromPath(w http.ResponseWriter, r *http.Request) (*delegate.Delegate, bool) {
	id, err := parseID("region ID", chi.URLParam(r, "regionID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	d, ok := h.src.Regions.Get(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "region not found")
		return nil, false
	}
	return d, true
}

// handleRegion handles GET /admin/regions/{regionID}
func (h *AdminHandlers) handleRegion(w http.ResponseWriter, r *http.Request) {
	d, ok := h.regionFromPath(w, r)
	if !ok {
		return
	}

	checkpoints := make(map[string]string)
	for connID, ts := range d.Checkpoints() {
		checkpoints[strconv.FormatUint(connID, 10)] = ts.String()
	}

	response := map[string]interface{}{
		"stats":       d.Stats(),
		"diagnosis":   d.Diagnose(),
		"checkpoints": checkpoints,
	}
	if err := d.StopErr(); err != nil {
		response["stop_error"] = err.Error()
	}

	writeJSONResponse(w, response)
}

// handleRegionLocks handles GET /admin/regions/{regionID}/locks[?limit=],
// oldest first
func (h *AdminHandlers) handleRegionLocks(w http.ResponseWriter, r *http.Request) {
	d, ok := h.regionFromPath(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	locks := d.Resolver().Tracker().Oldest(limit)
	resp := make([]map[string]interface{}, 0, len(locks))
	for _, l := range locks {
		resp = append(resp, map[string]interface{}{
			"key":      encodeBase64(l.Key),
			"start_ts": l.StartTS,
			"op":       l.Op.String(),
		})
	}

	writeJSONResponse(w, resp)
}

// handleStalled handles GET /admin/stalled
func (h *AdminHandlers) handleStalled(w http.ResponseWriter, r *http.Request) {
	if h.src.Stalls == nil {
		writeErrorResponse(w, http.StatusNotFound, "advancer not running")
		return
	}
	writeJSONResponse(w, h.src.Stalls.Stalled())
}

package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleClusterNodes handles GET /admin/cluster/nodes
func (h *AdminHandlers) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if h.src.PD == nil {
		writeErrorResponse(w, http.StatusNotFound, "coordination service not embedded")
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"safe_point": h.src.PD.SafePoint(),
		"nodes":      h.src.PD.Nodes(),
	})
}

// handleClusterForget handles POST /admin/cluster/forget/{nodeID}
func (h *AdminHandlers) handleClusterForget(w http.ResponseWriter, r *http.Request) {
	if h.src.PD == nil {
		writeErrorResponse(w, http.StatusNotFound, "coordination service not embedded")
		return
	}

	nodeID, err := parseID("node ID", chi.URLParam(r, "nodeID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.src.PD.Forget(nodeID)
	writeJSONResponse(w, map[string]interface{}{
		"forgotten":  nodeID,
		"safe_point": h.src.PD.SafePoint(),
	})
}

// handleClusterRaft handles GET /admin/cluster/raft
func (h *AdminHandlers) handleClusterRaft(w http.ResponseWriter, r *http.Request) {
	if h.src.Raft == nil {
		writeErrorResponse(w, http.StatusNotFound, "raft feed disabled")
		return
	}
	writeJSONResponse(w, h.src.Raft.Status())
}

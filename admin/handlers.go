package admin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/tidemark/advancer"
	"github.com/maxpert/tidemark/delegate"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/pd"
	"github.com/maxpert/tidemark/publisher"
	"github.com/maxpert/tidemark/raftfeed"
	"github.com/maxpert/tidemark/router"
	"github.com/maxpert/tidemark/sink"
	"github.com/rs/zerolog/log"
)

// RegionSource is the delegate registry
type RegionSource interface {
	Get(regionID uint64) (*delegate.Delegate, bool)
	Stats() []delegate.Stats
}

// StallSource is the advancer
type StallSource interface {
	Stalled() []advancer.Stall
}

// ConnSource is the subscriber connection hub
type ConnSource interface {
	Stats() []sink.Stats
}

// RouterSource is the apply router
type RouterSource interface {
	Stats() router.Stats
}

// RaftSource is the bundled replication node
type RaftSource interface {
	Status() raftfeed.Status
}

// NodeSource is the embedded coordination service
type NodeSource interface {
	Nodes() []pd.NodeStatus
	SafePoint() hlc.Timestamp
	Forget(nodeID uint64)
}

// PublisherSource is the publisher registry
type PublisherSource interface {
	Stats() []publisher.Stats
}

// Sources are the components the admin API reads. Only Regions is
// required; routes for a missing component answer 404.
type Sources struct {
	Regions   RegionSource
	Stalls    StallSource
	Conns     ConnSource
	Router    RouterSource
	Raft      RaftSource
	PD        NodeSource
	Publisher PublisherSource
}

// AdminHandlers serves the admin API
type AdminHandlers struct {
	src Sources
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(src Sources) *AdminHandlers {
	return &AdminHandlers{src: src}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// encodeBase64 encodes byte slices as base64 strings
func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// parseID parses a numeric path parameter
func parseID(what, s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%s is required", what)
	}

	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", what, err)
	}

	return id, nil
}

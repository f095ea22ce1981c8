package forwarder

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/selector"
)

// writeSelectionError maps a Selector error to its client-facing status
// (spec §4.7, §7).
func writeSelectionError(w http.ResponseWriter, modelName string, err error) {
	switch {
	case errors.Is(err, selector.ErrModelUnavailable):
		httpserver.RespondError(w, http.StatusNotFound, "model_unavailable",
			fmt.Sprintf("model not available on any node: %s", modelName))
	case errors.Is(err, selector.ErrNoHealthyNodes):
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes",
			"no healthy nodes available")
	default:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", err.Error())
	}
}

// writeUpstreamError maps a transport/timeout failure talking to the chosen
// backend to 502, per the UpstreamTransport/UpstreamTimeout taxonomy (§7).
func writeUpstreamError(w http.ResponseWriter, err error) {
	httpserver.RespondError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
}

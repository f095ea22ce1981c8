package forwarder

import (
	"encoding/json"
	"fmt"
)

// clientPayload is the subset of an upstream JSON body the forwarder must
// inspect: model (for selection), stream (for dispatch mode), and node_id
// (always rejected — node selection is the proxy's sole responsibility).
// Everything else passes through as raw bytes, untouched (spec §9).
type clientPayload struct {
	Model  string
	Stream bool
	raw    json.RawMessage
}

// ErrNodeIDRejected is returned when the client payload names a node_id.
var ErrNodeIDRejected = fmt.Errorf("forwarder: node_id is not permitted in request body")

// parsePayload decodes body only far enough to find model/stream/node_id,
// keeping the original bytes for passthrough. An empty body is valid for
// endpoints that take no JSON fields relevant to this layer.
func parsePayload(body []byte) (clientPayload, error) {
	if len(body) == 0 {
		return clientPayload{raw: body}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return clientPayload{}, fmt.Errorf("forwarder: decoding request body: %w", err)
	}

	if _, present := fields["node_id"]; present {
		return clientPayload{}, ErrNodeIDRejected
	}

	p := clientPayload{raw: body}
	if m, ok := fields["model"]; ok {
		_ = json.Unmarshal(m, &p.Model)
	}
	if s, ok := fields["stream"]; ok {
		_ = json.Unmarshal(s, &p.Stream)
	}
	return p, nil
}

package registry

import (
	"strconv"
	"strings"
	"time"
)

// Node is a single inference backend as persisted in the registry.
type Node struct {
	ID              int64
	Name            string
	Host            string
	Port            int
	Active          bool
	AvailableModels []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Address returns the canonical address string used as the stable key for
// all per-node shared-state values: "http://"+host+":"+port, unless Host
// already carries a scheme or an explicit port.
func (n Node) Address() string {
	return NormalizeAddress(n.Host, n.Port)
}

// NormalizeAddress applies the address-form rule: if host already contains a
// scheme it is preserved; if host already contains ":port", no port is
// re-appended; otherwise the canonical "http://host:port" form is built.
func NormalizeAddress(host string, port int) string {
	h := strings.TrimSpace(host)

	hasScheme := strings.Contains(h, "://")
	withoutScheme := h
	if hasScheme {
		if idx := strings.Index(h, "://"); idx >= 0 {
			withoutScheme = h[idx+3:]
		}
	}

	hasPort := strings.Contains(withoutScheme, ":")

	switch {
	case hasScheme && hasPort:
		return h
	case hasScheme:
		return h + ":" + strconv.Itoa(port)
	case hasPort:
		return "http://" + h
	default:
		return "http://" + h + ":" + strconv.Itoa(port)
	}
}

// CreateParams holds fields accepted when creating a node.
type CreateParams struct {
	Name   string
	Host   string
	Port   int
	Active *bool // nil means "derive from preflight probe"
}

// UpdateParams holds fields accepted when updating a node. Nil fields are left unchanged.
type UpdateParams struct {
	Name   *string
	Host   *string
	Port   *int
	Active *bool
}

// ProxyConfig is the single mutable row governing selection behavior.
type ProxyConfig struct {
	Strategy  string
	Weight    float64
	UpdatedAt time.Time
}

// Strategy names understood by the selector.
const (
	StrategyLeastActive   = "least_active"
	StrategyLowestLatency = "lowest_latency"
)

package admin

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/kestrelhq/ollamux/internal/httpserver"
)

type activeRequestEntry struct {
	NodeID         int64  `json:"node_id"`
	NodeName       string `json:"node_name"`
	Address        string `json:"address"`
	Status         string `json:"status"` // active | standby | inactive
	ActiveRequests int64  `json:"active_requests"`
}

type activeRequestsResponse struct {
	Nodes               []activeRequestEntry `json:"nodes"`
	TotalActiveRequests int64                `json:"total_active_requests"`
}

// handleActiveRequests handles GET /admin/active-requests?node_id=: joins
// registry nodes with shared-state counters, classifies each by pool
// membership, and sorts by active_requests descending (spec §4.8).
func (a *Admin) handleActiveRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filterID int64
	hasFilter := false
	if raw := r.URL.Query().Get("node_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "node_id must be numeric")
			return
		}
		filterID = id
		hasFilter = true
	}

	all, err := a.registry.ListAll(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading registry")
		return
	}

	if hasFilter {
		found := false
		for _, n := range all {
			if n.ID == filterID {
				found = true
				break
			}
		}
		if !found {
			httpserver.RespondError(w, http.StatusNotFound, "node_not_found", "no such node")
			return
		}
	}

	active, err := a.pool.Active(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading active pool")
		return
	}
	standby, err := a.pool.Standby(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading standby pool")
		return
	}
	activeSet := toSet(active)
	standbySet := toSet(standby)

	var entries []activeRequestEntry
	var total int64
	for _, n := range all {
		if hasFilter && n.ID != filterID {
			continue
		}
		addr := n.Address()
		status := "inactive"
		switch {
		case activeSet[addr]:
			status = "active"
		case standbySet[addr]:
			status = "standby"
		}
		count := a.readCounter(ctx, addr)
		total += count
		entries = append(entries, activeRequestEntry{
			NodeID:         n.ID,
			NodeName:       n.Name,
			Address:        addr,
			Status:         status,
			ActiveRequests: count,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ActiveRequests > entries[j].ActiveRequests
	})

	httpserver.Respond(w, http.StatusOK, activeRequestsResponse{Nodes: entries, TotalActiveRequests: total})
}

func toSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	return set
}

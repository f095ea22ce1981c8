package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/registry"
)

type pullRequest struct {
	Model    string `json:"model"`
	NodeID   string `json:"node_id,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

type pullResult struct {
	NodeID      int64  `json:"node_id"`
	NodeName    string `json:"node_name"`
	NodeAddress string `json:"node_address"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

type pullResponse struct {
	Results    []pullResult `json:"results"`
	Model      string       `json:"model"`
	TotalNodes int          `json:"total_nodes"`
}

// Pull handles POST /pull: broadcasts a model pull to node_id (if given) or
// every active node, with bounded parallelism and a per-node timeout (spec
// §4.7).
func (f *Forwarder) Pull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := httpserver.DecodeJSON(w, r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Model == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	ctx := r.Context()

	var targets []registry.Node
	if req.NodeID != "" {
		var id int64
		if _, err := fmt.Sscanf(req.NodeID, "%d", &id); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "node_id must be numeric")
			return
		}
		node, err := f.registry.Get(ctx, id)
		if err != nil {
			httpserver.RespondError(w, http.StatusNotFound, "node_not_found", "no such node")
			return
		}
		targets = []registry.Node{node}
	} else {
		all, err := f.registry.ListAll(ctx)
		if err != nil {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "reading registry")
			return
		}
		for _, n := range all {
			if n.Active {
				targets = append(targets, n)
			}
		}
	}

	results := make([]pullResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.pullMaxParallel)

	for i, node := range targets {
		i, node := i, node
		g.Go(func() error {
			results[i] = f.pullOne(gctx, node, req)
			return nil
		})
	}
	_ = g.Wait()

	httpserver.Respond(w, http.StatusOK, pullResponse{
		Results:    results,
		Model:      req.Model,
		TotalNodes: len(targets),
	})
}

func (f *Forwarder) pullOne(ctx context.Context, node registry.Node, req pullRequest) pullResult {
	addr := node.Address()
	result := pullResult{NodeID: node.ID, NodeName: node.Name, NodeAddress: addr}

	reqCtx, cancel := context.WithTimeout(ctx, f.pullTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"insecure": req.Insecure,
		"stream":   false,
	})
	if err != nil {
		result.Status = "error"
		result.Message = err.Error()
		return result
	}

	upstream, err := http.NewRequestWithContext(reqCtx, http.MethodPost, addr+"/api/pull", bytes.NewReader(body))
	if err != nil {
		result.Status = "error"
		result.Message = err.Error()
		return result
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(upstream)
	if err != nil {
		result.Status = "error"
		result.Message = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = "ok"
	} else {
		result.Status = "error"
		result.Message = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	return result
}

package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/ollamux/internal/httpserver"
)

// modelEntry mirrors the subset of an Ollama catalog entry the aggregator
// cares about; unrecognized fields are preserved via raw for passthrough.
type modelEntry struct {
	Name       string          `json:"name"`
	ModifiedAt string          `json:"modified_at"`
	raw        json.RawMessage `json:"-"`
}

type tagsResponse struct {
	Models []json.RawMessage `json:"models"`
}

// Tags handles GET /tags: fan out to every known node's /api/tags (active
// and standby alike — spec §4.7 "aggregates across all nodes", unlike Pull
// which deliberately targets active nodes only), deduplicate by model name
// keeping the entry with the greatest modified_at lexicographically, return
// sorted by name.
func (f *Forwarder) Tags(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("node_id") != "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "node_id is not permitted on /tags")
		return
	}

	ctx := r.Context()
	addrs, err := f.knownAddrs(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "reading pools")
		return
	}
	if len(addrs) == 0 {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "no nodes available")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]modelEntry, len(addrs))
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, f.aggregateTimeout)
			defer cancel()
			entries, err := f.fetchTags(fetchCtx, addr)
			if err != nil {
				f.logger.Warn("forwarder: tags scrape failed", "address", addr, "error", err)
				return nil // a single node failing does not fail the aggregate
			}
			results[i] = entries
			return nil
		})
	}
	_ = g.Wait()

	byName := make(map[string]modelEntry)
	for _, entries := range results {
		for _, e := range entries {
			existing, ok := byName[e.Name]
			if !ok || e.ModifiedAt > existing.ModifiedAt {
				byName[e.Name] = e
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name].raw)
	}
	httpserver.Respond(w, http.StatusOK, tagsResponse{Models: out})
}

// knownAddrs returns the union of the active and standby pools: the full
// set of nodes /tags and /ps fan out to (spec §4.7), as distinct from
// Pull's active-only target set.
func (f *Forwarder) knownAddrs(ctx context.Context) ([]string, error) {
	active, err := f.pool.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading active pool: %w", err)
	}
	standby, err := f.pool.Standby(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading standby pool: %w", err)
	}
	return append(active, standby...), nil
}

func (f *Forwarder) fetchTags(ctx context.Context, addr string) ([]modelEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forwarder: %s returned %d", addr, resp.StatusCode)
	}

	var raw struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	entries := make([]modelEntry, 0, len(raw.Models))
	for _, m := range raw.Models {
		var e modelEntry
		if err := json.Unmarshal(m, &e); err != nil {
			continue
		}
		e.raw = m
		entries = append(entries, e)
	}
	return entries, nil
}

// psEntry is the joined view of a running model: where it's registered
// (db_nodes, from the registry's available_models) and where it's currently
// loaded (running_on, from live /api/ps scrapes).
type psEntry struct {
	Model     string   `json:"model"`
	DBNodes   []string `json:"db_nodes"`
	RunningOn []string `json:"running_on"`
}

// Ps handles GET /ps: fan out to every known node's /api/ps (active and
// standby — same "all nodes" scope as Tags), then join the result against
// the registry's available_models (spec §4.7).
func (f *Forwarder) Ps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addrs, err := f.knownAddrs(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "reading pools")
		return
	}
	if len(addrs) == 0 {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "no nodes available")
		return
	}

	allNodes, err := f.registry.ListAll(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_nodes", "reading registry")
		return
	}

	runningOn := make(map[string]map[string]struct{}) // model -> set(node name)
	var mu sync.Mutex
	var g errgroup.Group

	nameByAddr := make(map[string]string, len(allNodes))
	for _, n := range allNodes {
		nameByAddr[n.Address()] = n.Name
	}

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, f.aggregateTimeout)
			defer cancel()
			models, err := f.fetchRunning(fetchCtx, addr)
			if err != nil {
				f.logger.Warn("forwarder: ps scrape failed", "address", addr, "error", err)
				return nil
			}
			name := nameByAddr[addr]
			if name == "" {
				name = addr
			}
			mu.Lock()
			for _, model := range models {
				if runningOn[model] == nil {
					runningOn[model] = make(map[string]struct{})
				}
				runningOn[model][name] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	dbNodes := make(map[string][]string) // model -> node names that advertise it
	for _, n := range allNodes {
		for _, model := range n.AvailableModels {
			dbNodes[model] = append(dbNodes[model], n.Name)
		}
	}

	modelNames := make(map[string]struct{})
	for model := range runningOn {
		modelNames[model] = struct{}{}
	}
	for model := range dbNodes {
		modelNames[model] = struct{}{}
	}

	names := make([]string, 0, len(modelNames))
	for name := range modelNames {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]psEntry, 0, len(names))
	for _, model := range names {
		running := make([]string, 0, len(runningOn[model]))
		for node := range runningOn[model] {
			running = append(running, node)
		}
		sort.Strings(running)
		db := append([]string(nil), dbNodes[model]...)
		sort.Strings(db)
		out = append(out, psEntry{Model: model, DBNodes: db, RunningOn: running})
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"models": out})
}

func (f *Forwarder) fetchRunning(ctx context.Context, addr string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/ps", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forwarder: %s returned %d", addr, resp.StatusCode)
	}

	var raw struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw.Models))
	for _, m := range raw.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

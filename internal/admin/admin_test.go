package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

type memStore struct {
	mu     sync.Mutex
	nodes  map[int64]registry.Node
	nextID int64
	cfg    registry.ProxyConfig
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[int64]registry.Node), nextID: 1, cfg: registry.ProxyConfig{Strategy: registry.StrategyLeastActive, Weight: 1}}
}

func (m *memStore) ListActive(context.Context) ([]registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Node
	for _, n := range m.nodes {
		if n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) ListInactive(context.Context) ([]registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Node
	for _, n := range m.nodes {
		if !n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) ListAll(context.Context) ([]registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Node
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id int64) (registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return registry.Node{}, registry.ErrNotFound
	}
	return n, nil
}

func (m *memStore) Create(_ context.Context, p registry.CreateParams) (registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := false
	if p.Active != nil {
		active = *p.Active
	}
	n := registry.Node{ID: m.nextID, Name: p.Name, Host: p.Host, Port: p.Port, Active: active}
	m.nodes[n.ID] = n
	m.nextID++
	return n, nil
}

func (m *memStore) Update(_ context.Context, id int64, p registry.UpdateParams) (registry.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return registry.Node{}, registry.ErrNotFound
	}
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.Host != nil {
		n.Host = *p.Host
	}
	if p.Port != nil {
		n.Port = *p.Port
	}
	if p.Active != nil {
		n.Active = *p.Active
	}
	m.nodes[id] = n
	return n, nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return registry.ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *memStore) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return registry.ErrNotFound
	}
	n.Active = active
	m.nodes[id] = n
	return nil
}

func (m *memStore) SetModels(_ context.Context, id int64, models []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return registry.ErrNotFound
	}
	n.AvailableModels = models
	m.nodes[id] = n
	return nil
}

func (m *memStore) GetConfig(context.Context) (registry.ProxyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *memStore) UpdateConfig(_ context.Context, strategy string, weight float64) (registry.ProxyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = registry.ProxyConfig{Strategy: strategy, Weight: weight, UpdatedAt: time.Now()}
	return m.cfg, nil
}

func (m *memStore) Changes(context.Context, time.Duration) (<-chan registry.Change, error) {
	return make(chan registry.Change), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdmin(t *testing.T) (*Admin, *memStore, state.State) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := state.NewRedisState(client)

	store := newMemStore()
	logger := discardLogger()
	pm := pool.New(store, st, logger, func() bool { return true })
	prb := prober.New("/health")

	return New(store, st, pm, prb, logger, 30*time.Second), store, st
}

func router(a *Admin) http.Handler {
	r := chi.NewRouter()
	a.Mount(r)
	return r
}

func TestCreateNodeProbesAndSetsActive(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	a, _, _ := newTestAdmin(t)
	r := router(a)

	body, _ := json.Marshal(map[string]any{"name": "node-a", "host": backend.URL, "port": 0})
	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp nodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Active {
		t.Fatal("node should be active after successful preflight probe")
	}
}

func TestCreateNodeRespectsExplicitActive(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	r := router(a)

	active := false
	body, _ := json.Marshal(map[string]any{"name": "node-a", "host": "http://unreachable.invalid", "port": 1, "active": active})
	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp nodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Active {
		t.Fatal("explicit active:false must be respected regardless of probe result")
	}
}

func TestConfigUpdateValidatesStrategy(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	r := router(a)

	body, _ := json.Marshal(map[string]any{"strategy": "round_robin", "weight": 1.0})
	req := httptest.NewRequest(http.MethodPut, "/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConfigUpdateAppliesValidStrategy(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	r := router(a)

	body, _ := json.Marshal(map[string]any{"strategy": registry.StrategyLowestLatency, "weight": 2.5})
	req := httptest.NewRequest(http.MethodPut, "/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp configResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Strategy != registry.StrategyLowestLatency || resp.Weight != 2.5 {
		t.Fatalf("config = %+v", resp)
	}
}

func TestActiveRequestsSortedDescending(t *testing.T) {
	a, store, st := newTestAdmin(t)
	ctx := context.Background()

	n1, _ := store.Create(ctx, registry.CreateParams{Name: "a", Host: "http://a", Port: 1, Active: boolPtr(true)})
	n2, _ := store.Create(ctx, registry.CreateParams{Name: "b", Host: "http://b", Port: 2, Active: boolPtr(true)})

	if err := st.Put(ctx, state.ActiveCountKey(n1.Address()), "2"); err != nil {
		t.Fatalf("seeding counter: %v", err)
	}
	if err := st.Put(ctx, state.ActiveCountKey(n2.Address()), "5"); err != nil {
		t.Fatalf("seeding counter: %v", err)
	}

	r := router(a)
	req := httptest.NewRequest(http.MethodGet, "/active-requests", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp activeRequestsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Nodes) != 2 || resp.Nodes[0].NodeName != "b" {
		t.Fatalf("nodes = %+v, want b first (higher count)", resp.Nodes)
	}
	if resp.TotalActiveRequests != 7 {
		t.Fatalf("total = %d, want 7", resp.TotalActiveRequests)
	}
}

func TestActiveRequestsUnknownNodeID(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	r := router(a)

	req := httptest.NewRequest(http.MethodGet, "/active-requests?node_id=999", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func boolPtr(b bool) *bool { return &b }

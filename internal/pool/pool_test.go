package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

// fakeStore is a minimal in-memory registry.Store for exercising the pool
// manager without a real Postgres connection.
type fakeStore struct {
	nodes map[int64]registry.Node
}

func newFakeStore(nodes ...registry.Node) *fakeStore {
	s := &fakeStore{nodes: make(map[int64]registry.Node)}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	return s
}

func (f *fakeStore) ListActive(ctx context.Context) ([]registry.Node, error) {
	var out []registry.Node
	for _, n := range f.nodes {
		if n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListInactive(ctx context.Context) ([]registry.Node, error) {
	var out []registry.Node
	for _, n := range f.nodes {
		if !n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAll(ctx context.Context) ([]registry.Node, error) {
	var out []registry.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, id int64) (registry.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return registry.Node{}, registry.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) Create(ctx context.Context, p registry.CreateParams) (registry.Node, error) {
	return registry.Node{}, nil
}

func (f *fakeStore) Update(ctx context.Context, id int64, p registry.UpdateParams) (registry.Node, error) {
	return registry.Node{}, nil
}

func (f *fakeStore) Delete(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) SetActive(ctx context.Context, id int64, active bool) error {
	n := f.nodes[id]
	n.Active = active
	f.nodes[id] = n
	return nil
}

func (f *fakeStore) SetModels(ctx context.Context, id int64, models []string) error {
	n := f.nodes[id]
	n.AvailableModels = models
	f.nodes[id] = n
	return nil
}

func (f *fakeStore) GetConfig(ctx context.Context) (registry.ProxyConfig, error) {
	return registry.ProxyConfig{Strategy: registry.StrategyLeastActive, Weight: 1}, nil
}

func (f *fakeStore) UpdateConfig(ctx context.Context, strategy string, weight float64) (registry.ProxyConfig, error) {
	return registry.ProxyConfig{Strategy: strategy, Weight: weight}, nil
}

func (f *fakeStore) Changes(ctx context.Context, pollInterval time.Duration) (<-chan registry.Change, error) {
	ch := make(chan registry.Change)
	return ch, nil
}

func newTestManager(t *testing.T, nodes ...registry.Node) (*Manager, *fakeStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := state.NewRedisState(client)
	store := newFakeStore(nodes...)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(store, st, logger, func() bool { return true })
	return m, store
}

func TestRefreshFromRegistry(t *testing.T) {
	m, _ := newTestManager(t,
		registry.Node{ID: 1, Host: "10.0.0.1", Port: 11434, Active: true},
		registry.Node{ID: 2, Host: "10.0.0.2", Port: 11434, Active: false},
	)
	ctx := context.Background()

	if err := m.RefreshFromRegistry(ctx); err != nil {
		t.Fatalf("RefreshFromRegistry: %v", err)
	}

	active, err := m.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0] != "http://10.0.0.1:11434" {
		t.Fatalf("Active = %v, want [http://10.0.0.1:11434]", active)
	}

	standby, err := m.Standby(ctx)
	if err != nil {
		t.Fatalf("Standby: %v", err)
	}
	if len(standby) != 1 || standby[0] != "http://10.0.0.2:11434" {
		t.Fatalf("Standby = %v, want [http://10.0.0.2:11434]", standby)
	}

	idMap, err := m.IDMap(ctx)
	if err != nil {
		t.Fatalf("IDMap: %v", err)
	}
	if idMap["1"] != "http://10.0.0.1:11434" || idMap["2"] != "http://10.0.0.2:11434" {
		t.Fatalf("IDMap = %v, unexpected", idMap)
	}
}

func TestReconcileProbeRecovery(t *testing.T) {
	m, store := newTestManager(t,
		registry.Node{ID: 1, Host: "10.0.0.1", Port: 11434, Active: false},
	)
	ctx := context.Background()
	if err := m.RefreshFromRegistry(ctx); err != nil {
		t.Fatalf("RefreshFromRegistry: %v", err)
	}

	addr := "http://10.0.0.1:11434"
	if err := m.ReconcileProbe(ctx, 1, addr, prober.Result{OK: true, Latency: 0.05}); err != nil {
		t.Fatalf("ReconcileProbe: %v", err)
	}

	active, _ := m.Active(ctx)
	standby, _ := m.Standby(ctx)
	if !containsAddr(active, addr) {
		t.Fatalf("Active = %v, want to contain %s", active, addr)
	}
	if containsAddr(standby, addr) {
		t.Fatalf("Standby = %v, must not contain %s after recovery", standby, addr)
	}

	latency, err := m.Latency(ctx, addr)
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if latency != 0.05 {
		t.Fatalf("Latency = %v, want 0.05", latency)
	}

	if !store.nodes[1].Active {
		t.Fatalf("registry node 1 active = false, want true after recovery")
	}
}

func TestReconcileCatalogFailureForcesStandby(t *testing.T) {
	m, store := newTestManager(t,
		registry.Node{ID: 1, Host: "10.0.0.1", Port: 11434, Active: true},
	)
	ctx := context.Background()
	if err := m.RefreshFromRegistry(ctx); err != nil {
		t.Fatalf("RefreshFromRegistry: %v", err)
	}

	addr := "http://10.0.0.1:11434"
	if err := m.ReconcileCatalog(ctx, 1, addr, nil, false); err != nil {
		t.Fatalf("ReconcileCatalog: %v", err)
	}

	standby, _ := m.Standby(ctx)
	if !containsAddr(standby, addr) {
		t.Fatalf("Standby = %v, want to contain %s after catalog failure", standby, addr)
	}
	if store.nodes[1].Active {
		t.Fatalf("registry node 1 active = true, want false after catalog failure")
	}
}

func TestMutationsRefusedWhenNotLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := state.NewRedisState(client)
	store := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(store, st, logger, func() bool { return false })

	if err := m.RefreshFromRegistry(context.Background()); err != ErrNotLeader {
		t.Fatalf("RefreshFromRegistry on non-leader = %v, want ErrNotLeader", err)
	}
	if err := m.ReconcileProbe(context.Background(), 1, "http://10.0.0.1:11434", prober.Result{OK: true, Latency: 0.05}); err != ErrNotLeader {
		t.Fatalf("ReconcileProbe on non-leader = %v, want ErrNotLeader", err)
	}
	if err := m.ReconcileCatalog(context.Background(), 1, "http://10.0.0.1:11434", []string{"llama2"}, true); err != ErrNotLeader {
		t.Fatalf("ReconcileCatalog on non-leader = %v, want ErrNotLeader", err)
	}
}

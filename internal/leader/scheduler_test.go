package leader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

type fakeStore struct {
	nodes map[int64]registry.Node
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
	return make(chan registry.Change), nil
}

func TestSchedulerHealthCheckAllReconciles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[{"name":"llama2"}]}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	store := &fakeStore{nodes: map[int64]registry.Node{
		1: {ID: 1, Host: srv.URL, Port: 0, Active: false},
	}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := state.NewRedisState(client)

	logger := discardLogger()
	elector := NewElector(st, logger, "test-owner", 30*time.Second)
	pm := pool.New(store, st, logger, elector.IsLeader)
	prb := prober.New("/health")

	sched := NewScheduler(elector, pm, store, prb, st, logger, time.Second, time.Second, time.Second)

	ctx := context.Background()
	elector.isLeader.Store(true) // test-only: bypass real election to exercise reconcile directly

	if err := sched.fullReconcile(ctx); err != nil {
		t.Fatalf("fullReconcile: %v", err)
	}

	active, err := pm.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Active = %v, want 1 address after recovery", active)
	}

	models, err := pm.Models(ctx, active[0])
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 1 || models[0] != "llama2" {
		t.Fatalf("Models = %v, want [llama2]", models)
	}
}

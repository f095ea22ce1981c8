package leader

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
	"github.com/kestrelhq/ollamux/internal/telemetry"
)

// probeConcurrency bounds how many nodes are probed in parallel per tick.
// probeRateLimit paces dispatch so a large fleet doesn't all get hit in the
// same instant, which would otherwise show up as a latency spike on every
// node simultaneously.
const (
	probeConcurrency = 8
	probeRateLimit   = 20 // probes per second
)

// Scheduler runs the three periodic jobs described in spec §4.6 plus the
// counter-key consistency sweep from §9. Every tick is a no-op on a worker
// that does not currently hold leadership, so no separate stop signal is
// needed when leadership changes mid-run.
type Scheduler struct {
	elector  *Elector
	pool     *pool.Manager
	registry registry.Store
	prober   *prober.Prober
	state    state.State
	logger   *slog.Logger

	healthInterval time.Duration
	modelInterval  time.Duration
	pollInterval   time.Duration

	probeLimiter *rate.Limiter
}

// NewScheduler wires the scheduler's periodic jobs.
func NewScheduler(
	elector *Elector,
	pm *pool.Manager,
	store registry.Store,
	prb *prober.Prober,
	st state.State,
	logger *slog.Logger,
	healthInterval, modelInterval, pollInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		elector:        elector,
		pool:           pm,
		registry:       store,
		prober:         prb,
		state:          st,
		logger:         logger,
		healthInterval: healthInterval,
		modelInterval:  modelInterval,
		pollInterval:   pollInterval,
		probeLimiter:   rate.NewLimiter(rate.Limit(probeRateLimit), probeConcurrency),
	}
}

// Run starts leader election and, once this process wins, the periodic
// jobs. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.healthCheckLoop(ctx)
	go s.modelRefreshLoop(ctx)
	go s.refreshPollLoop(ctx)

	s.elector.Run(ctx, func(ctx context.Context) {
		telemetry.LeaderGauge.Set(1)
		if err := s.fullReconcile(ctx); err != nil {
			s.logger.Error("leader: initial reconcile failed", "error", err)
		}
	})
	telemetry.LeaderGauge.Set(0)
}

func (s *Scheduler) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			if err := s.healthCheckAll(ctx); err != nil {
				s.logger.Error("leader: health check tick", "error", err)
			}
		}
	}
}

func (s *Scheduler) modelRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.modelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			if err := s.modelRefreshAll(ctx); err != nil {
				s.logger.Error("leader: model refresh tick", "error", err)
			}
			s.pruneOrphanCounters(ctx)
		}
	}
}

func (s *Scheduler) refreshPollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			v, ok, err := s.state.Get(ctx, state.RefreshRequestKey)
			if err != nil {
				s.logger.Error("leader: refresh-request poll", "error", err)
				continue
			}
			if !ok || v == "" {
				continue
			}
			if err := s.state.Delete(ctx, state.RefreshRequestKey); err != nil {
				s.logger.Error("leader: clearing refresh request", "error", err)
			}
			if err := s.fullReconcile(ctx); err != nil {
				s.logger.Error("leader: refresh-request reconcile", "error", err)
			}
		}
	}
}

// fullReconcile reloads pools from the registry, then probes everything.
func (s *Scheduler) fullReconcile(ctx context.Context) error {
	if err := s.pool.RefreshFromRegistry(ctx); err != nil {
		return err
	}
	if err := s.healthCheckAll(ctx); err != nil {
		s.logger.Error("leader: health check during full reconcile", "error", err)
	}
	if err := s.modelRefreshAll(ctx); err != nil {
		s.logger.Error("leader: model refresh during full reconcile", "error", err)
	}
	return nil
}

// knownNodes returns every node in the registry; these are the nodes the
// leader probes. Addresses present in the active or standby pool but with
// no registry row are not included.
func (s *Scheduler) knownNodes(ctx context.Context) ([]registry.Node, error) {
	nodes, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing known nodes: %w", err)
	}
	return nodes, nil
}

// healthCheckAll probes every known node concurrently, bounded to
// probeConcurrency in flight and paced by probeLimiter, then reconciles
// each result against the pools. Reconciliation itself stays serial (one
// goroutine, the leader's own), since pool.Manager is single-writer.
func (s *Scheduler) healthCheckAll(ctx context.Context) error {
	nodes, err := s.knownNodes(ctx)
	if err != nil {
		return err
	}

	type outcome struct {
		node   registry.Node
		addr   string
		result prober.Result
	}
	results := make(chan outcome, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if err := s.probeLimiter.Wait(gctx); err != nil {
				return nil
			}
			addr := n.Address()
			results <- outcome{node: n, addr: addr, result: s.prober.Probe(gctx, addr)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for o := range results {
		telemetry.ProbeLatency.WithLabelValues(o.addr).Observe(o.result.Latency)
		label := "ok"
		if !o.result.OK {
			label = "fail"
		}
		telemetry.ProbesTotal.WithLabelValues("health", label).Inc()

		if err := s.pool.ReconcileProbe(ctx, o.node.ID, o.addr, o.result); err != nil {
			s.logger.Error("leader: reconciling probe result", "node_id", o.node.ID, "address", o.addr, "error", err)
		}
	}
	return nil
}

// modelRefreshAll scrapes /api/tags from every known node with the same
// bounded, paced concurrency as healthCheckAll.
func (s *Scheduler) modelRefreshAll(ctx context.Context) error {
	nodes, err := s.knownNodes(ctx)
	if err != nil {
		return err
	}

	type outcome struct {
		node   registry.Node
		addr   string
		models []string
		ok     bool
		err    error
	}
	results := make(chan outcome, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if err := s.probeLimiter.Wait(gctx); err != nil {
				return nil
			}
			addr := n.Address()
			models, err := s.prober.ProbeCatalog(gctx, addr)
			results <- outcome{node: n, addr: addr, models: models, ok: err == nil, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for o := range results {
		label := "ok"
		if !o.ok {
			label = "fail"
			s.logger.Warn("leader: catalog probe failed", "node_id", o.node.ID, "address", o.addr, "error", o.err)
		}
		telemetry.ProbesTotal.WithLabelValues("catalog", label).Inc()

		if rerr := s.pool.ReconcileCatalog(ctx, o.node.ID, o.addr, o.models, o.ok); rerr != nil {
			s.logger.Error("leader: reconciling catalog result", "node_id", o.node.ID, "address", o.addr, "error", rerr)
		}
	}
	return nil
}

// pruneOrphanCounters deletes active_count keys for addresses no longer
// present in the id-map, preventing counter-key leaks from deleted nodes
// (spec §9 design note).
func (s *Scheduler) pruneOrphanCounters(ctx context.Context) {
	scanner, ok := s.state.(state.KeyScanner)
	if !ok {
		return
	}

	idMap, err := s.pool.IDMap(ctx)
	if err != nil {
		s.logger.Error("leader: pruning counters: reading id-map", "error", err)
		return
	}
	known := make(map[string]bool, len(idMap))
	for _, addr := range idMap {
		known[addr] = true
	}

	keys, err := scanner.ScanKeys(ctx, "ollamux:active_count:*")
	if err != nil {
		s.logger.Error("leader: pruning counters: scanning keys", "error", err)
		return
	}

	const prefix = "ollamux:active_count:"
	for _, key := range keys {
		addr := strings.TrimPrefix(key, prefix)
		if known[addr] {
			continue
		}
		if err := s.state.Delete(ctx, key); err != nil {
			s.logger.Error("leader: pruning orphan counter", "key", key, "error", err)
			continue
		}
		s.logger.Info("leader: pruned orphan counter", "address", addr)
	}
}

// RequestRefresh publishes a refresh_request notification for the leader to
// pick up, used by admin node CRUD (spec §4.8).
func RequestRefresh(ctx context.Context, st state.State, ttl time.Duration) error {
	if err := st.Put(ctx, state.RefreshRequestKey, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return err
	}
	_, err := st.Expire(ctx, state.RefreshRequestKey, ttl)
	return err
}

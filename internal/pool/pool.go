// Package pool maintains the active/standby partitions of node addresses
// and the id->address map (spec §4.4). Pools, latencies, models, and the
// id-map are single-writer (leader), multi-reader: every mutating method
// here refuses to run unless the caller currently holds leadership.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

// ErrNotLeader is returned by mutating methods when called by a non-leader.
var ErrNotLeader = fmt.Errorf("pool: write refused, not leader")

// Manager reconciles and serves the active/standby pools.
type Manager struct {
	registry registry.Store
	state    state.State
	logger   *slog.Logger
	isLeader func() bool
}

// New creates a Manager. isLeader is consulted on every mutating call so
// that leadership loss mid-tick is caught before any shared-state write.
func New(store registry.Store, st state.State, logger *slog.Logger, isLeader func() bool) *Manager {
	return &Manager{registry: store, state: st, logger: logger, isLeader: isLeader}
}

// RefreshFromRegistry reloads active, standby, and the id-map from the
// registry's list_active/list_inactive. Only the leader may call this.
func (m *Manager) RefreshFromRegistry(ctx context.Context) error {
	if !m.isLeader() {
		return ErrNotLeader
	}

	activeNodes, err := m.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("refresh_from_registry: %w", err)
	}
	inactiveNodes, err := m.registry.ListInactive(ctx)
	if err != nil {
		return fmt.Errorf("refresh_from_registry: %w", err)
	}

	active := make([]string, 0, len(activeNodes))
	standby := make([]string, 0, len(inactiveNodes))
	idMap := make(map[string]string, len(activeNodes)+len(inactiveNodes))

	for _, n := range activeNodes {
		addr := n.Address()
		active = append(active, addr)
		idMap[fmt.Sprintf("%d", n.ID)] = addr
	}
	for _, n := range inactiveNodes {
		addr := n.Address()
		standby = append(standby, addr)
		idMap[fmt.Sprintf("%d", n.ID)] = addr
	}

	if err := m.putJSON(ctx, state.PoolActiveKey, active); err != nil {
		return err
	}
	if err := m.putJSON(ctx, state.PoolStandbyKey, standby); err != nil {
		return err
	}
	if err := m.putJSON(ctx, state.NodeIDMapKey, idMap); err != nil {
		return err
	}

	m.logger.Info("pool refreshed from registry", "active", len(active), "standby", len(standby))
	return nil
}

// ReconcileProbe applies one liveness probe result (spec §4.3 classification
// policy): writes latency, moves addr between pools, and coalesces the
// registry active flag (only updated when it actually differs).
func (m *Manager) ReconcileProbe(ctx context.Context, nodeID int64, addr string, result prober.Result) error {
	if !m.isLeader() {
		return ErrNotLeader
	}

	if err := m.state.Put(ctx, state.LatencyKey(addr), fmt.Sprintf("%g", result.Latency)); err != nil {
		return fmt.Errorf("reconcile_probe: writing latency: %w", err)
	}

	if result.OK {
		if err := m.moveToActive(ctx, addr); err != nil {
			return err
		}
	} else {
		if err := m.moveToStandby(ctx, addr); err != nil {
			return err
		}
	}

	if err := m.registry.SetActive(ctx, nodeID, result.OK); err != nil {
		return fmt.Errorf("reconcile_probe: updating registry active flag: %w", err)
	}
	return nil
}

// ReconcileCatalog applies one catalog probe result. A catalog failure
// forces the node to standby immediately, even if its last liveness probe
// succeeded, so a node that cannot enumerate its models never serves
// requests (spec §4.3).
func (m *Manager) ReconcileCatalog(ctx context.Context, nodeID int64, addr string, models []string, ok bool) error {
	if !m.isLeader() {
		return ErrNotLeader
	}

	if !ok {
		if err := m.moveToStandby(ctx, addr); err != nil {
			return err
		}
		if err := m.registry.SetActive(ctx, nodeID, false); err != nil {
			return fmt.Errorf("reconcile_catalog: updating registry active flag: %w", err)
		}
		return nil
	}

	if err := m.putJSON(ctx, state.ModelsKey(addr), models); err != nil {
		return fmt.Errorf("reconcile_catalog: writing models: %w", err)
	}
	if err := m.registry.SetModels(ctx, nodeID, models); err != nil {
		return fmt.Errorf("reconcile_catalog: updating registry models: %w", err)
	}
	return nil
}

func (m *Manager) moveToActive(ctx context.Context, addr string) error {
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	standby, err := m.Standby(ctx)
	if err != nil {
		return err
	}
	standby = removeAddr(standby, addr)
	if !containsAddr(active, addr) {
		active = append(active, addr)
	}
	if err := m.putJSON(ctx, state.PoolActiveKey, active); err != nil {
		return err
	}
	return m.putJSON(ctx, state.PoolStandbyKey, standby)
}

func (m *Manager) moveToStandby(ctx context.Context, addr string) error {
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	standby, err := m.Standby(ctx)
	if err != nil {
		return err
	}
	active = removeAddr(active, addr)
	if !containsAddr(standby, addr) {
		standby = append(standby, addr)
	}
	if err := m.putJSON(ctx, state.PoolActiveKey, active); err != nil {
		return err
	}
	return m.putJSON(ctx, state.PoolStandbyKey, standby)
}

// Active returns the current active pool. Safe for any worker to call.
func (m *Manager) Active(ctx context.Context) ([]string, error) {
	var addrs []string
	if err := m.getJSON(ctx, state.PoolActiveKey, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// Standby returns the current standby pool. Safe for any worker to call.
func (m *Manager) Standby(ctx context.Context) ([]string, error) {
	var addrs []string
	if err := m.getJSON(ctx, state.PoolStandbyKey, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// IDMap returns the current id(string)->address map. Safe for any worker.
func (m *Manager) IDMap(ctx context.Context) (map[string]string, error) {
	idMap := make(map[string]string)
	if err := m.getJSON(ctx, state.NodeIDMapKey, &idMap); err != nil {
		return nil, err
	}
	return idMap, nil
}

// Models returns the last-observed model catalog for addr.
func (m *Manager) Models(ctx context.Context, addr string) ([]string, error) {
	var models []string
	if err := m.getJSON(ctx, state.ModelsKey(addr), &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Latency returns the last-observed probe latency for addr, in seconds.
func (m *Manager) Latency(ctx context.Context, addr string) (float64, error) {
	v, ok, err := m.state.Get(ctx, state.LatencyKey(addr))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return 0, fmt.Errorf("parsing latency value %q: %w", v, err)
	}
	return f, nil
}

func (m *Manager) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return m.state.Put(ctx, key, string(b))
}

func (m *Manager) getJSON(ctx context.Context, key string, dst any) error {
	v, ok, err := m.state.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return nil
}

func containsAddr(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func removeAddr(addrs []string, addr string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

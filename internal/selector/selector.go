// Package selector implements the per-request backend selection strategies
// (spec §4.5): least_active (atomic, script-backed) and lowest_latency.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

// ErrModelUnavailable is returned when a model was requested but no
// candidate in the active pool advertises it.
var ErrModelUnavailable = errors.New("selector: model not available on any node")

// ErrNoHealthyNodes is returned when no model was requested and the active
// pool is empty.
var ErrNoHealthyNodes = errors.New("selector: no healthy nodes available")

// Selector chooses a backend address for a request and reserves it.
type Selector struct {
	pool  *pool.Manager
	state state.State
}

// New creates a Selector backed by the given pool manager and shared state.
func New(p *pool.Manager, st state.State) *Selector {
	return &Selector{pool: p, state: st}
}

// Acquire selects a candidate address under strategy for modelName (may be
// empty), increments its active_count, and returns it. The caller must call
// Release exactly once, on every exit path, once done with the address.
func (s *Selector) Acquire(ctx context.Context, modelName, strategy string) (string, error) {
	if strategy == "" {
		strategy = registry.StrategyLeastActive
	}

	candidates, err := s.candidates(ctx, modelName)
	if err != nil {
		return "", err
	}

	switch strategy {
	case registry.StrategyLowestLatency:
		addr, err := s.pickLowestLatency(ctx, candidates)
		if err != nil {
			return "", err
		}
		if _, err := s.state.Incr(ctx, state.ActiveCountKey(addr)); err != nil {
			return "", fmt.Errorf("selector: acquiring %s: %w", addr, err)
		}
		return addr, nil
	case registry.StrategyLeastActive:
		return s.pickLeastActive(ctx, candidates)
	default:
		return s.pickLeastActive(ctx, candidates)
	}
}

// Release decrements addr's active_count with an underflow guard.
func (s *Selector) Release(ctx context.Context, addr string) error {
	if _, err := s.state.Decr(ctx, state.ActiveCountKey(addr)); err != nil {
		return fmt.Errorf("selector: releasing %s: %w", addr, err)
	}
	return nil
}

// candidates returns the active pool, filtered to addresses advertising
// modelName when one is given.
func (s *Selector) candidates(ctx context.Context, modelName string) ([]string, error) {
	active, err := s.pool.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: reading active pool: %w", err)
	}

	if modelName == "" {
		if len(active) == 0 {
			return nil, ErrNoHealthyNodes
		}
		return active, nil
	}

	var matches []string
	for _, addr := range active {
		models, err := s.pool.Models(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("selector: reading models for %s: %w", addr, err)
		}
		if containsModel(models, modelName) {
			matches = append(matches, addr)
		}
	}
	if len(matches) == 0 {
		return nil, ErrModelUnavailable
	}
	return matches, nil
}

// pickLowestLatency picks the candidate minimizing latency; +Inf is worst,
// ties broken by input order. It does not itself mutate active_count.
func (s *Selector) pickLowestLatency(ctx context.Context, candidates []string) (string, error) {
	best := ""
	bestLatency := math.Inf(1)
	for _, addr := range candidates {
		latency, err := s.pool.Latency(ctx, addr)
		if err != nil {
			return "", fmt.Errorf("selector: reading latency for %s: %w", addr, err)
		}
		if best == "" || latency < bestLatency {
			best = addr
			bestLatency = latency
		}
	}
	if best == "" {
		return "", ErrNoHealthyNodes
	}
	return best, nil
}

// pickLeastActive runs the atomic select-and-increment script over the
// candidates' counter keys (spec §4.5 reference algorithm).
func (s *Selector) pickLeastActive(ctx context.Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoHealthyNodes
	}

	keys := make([]string, len(candidates))
	for i, addr := range candidates {
		keys[i] = state.ActiveCountKey(addr)
	}

	idx, _, err := s.state.SelectLeastActive(ctx, keys)
	if err != nil {
		return "", fmt.Errorf("selector: select_least_active: %w", err)
	}
	if idx < 0 || idx >= len(candidates) {
		return "", fmt.Errorf("selector: select_least_active returned out-of-range index %d", idx)
	}
	return candidates[idx], nil
}

func containsModel(models []string, name string) bool {
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

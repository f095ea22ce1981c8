// Package leader implements the NX-set leader election and the periodic
// scheduler that only the elected leader runs (spec §4.6).
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/kestrelhq/ollamux/internal/state"
)

// Elector runs the leader-lock acquisition and heartbeat loop for one
// worker process. IsLeader is safe to call concurrently from any goroutine,
// including the Pool Manager's write guard.
type Elector struct {
	state   state.State
	logger  *slog.Logger
	ownerID string
	ttl     time.Duration

	isLeader atomic.Bool
}

// NewElector creates an Elector. ownerID should be unique per process
// ("<host>:<pid>" per spec §4.6).
func NewElector(st state.State, logger *slog.Logger, ownerID string, ttl time.Duration) *Elector {
	return &Elector{state: st, logger: logger, ownerID: ownerID, ttl: ttl}
}

// NewOwnerID builds the conventional "<host>:<pid>" owner identity.
func NewOwnerID(host string) string {
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// IsLeader reports whether this process currently believes it holds the lock.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run attempts acquisition, then blocks heartbeating (and re-attempting
// acquisition when not leader) until ctx is cancelled. onAcquire is called
// synchronously each time this process acquires the lock, including a
// re-acquisition after it has stepped down.
func (e *Elector) Run(ctx context.Context, onAcquire func(context.Context)) {
	heartbeat := time.NewTicker(e.ttl / 2)
	defer heartbeat.Stop()

	acquired := false

	for {
		if !acquired {
			ok, err := e.state.NXSet(ctx, state.LeaderKey, e.ownerID, e.ttl)
			if err != nil {
				e.logger.Error("leader: acquisition attempt failed", "error", err)
			} else if ok {
				acquired = true
				e.isLeader.Store(true)
				e.logger.Info("leader: acquired lock", "owner", e.ownerID)
				if onAcquire != nil {
					onAcquire(ctx)
				}
			}
		}

		select {
		case <-ctx.Done():
			e.shutdown(acquired)
			return
		case <-heartbeat.C:
			if acquired {
				acquired = e.renew(ctx)
			}
		}
	}
}

// renew verifies this process still owns the lock, then refreshes its TTL.
// On ownership mismatch it steps down so another worker can take over.
func (e *Elector) renew(ctx context.Context) bool {
	v, ok, err := e.state.Get(ctx, state.LeaderKey)
	if err != nil {
		e.logger.Error("leader: heartbeat read failed", "error", err)
		return true // transient; keep believing we're leader until proven otherwise
	}
	if !ok || v != e.ownerID {
		e.logger.Warn("leader: lost ownership, stepping down", "current_owner", v)
		e.isLeader.Store(false)
		return false
	}
	if _, err := e.state.Expire(ctx, state.LeaderKey, e.ttl); err != nil {
		e.logger.Error("leader: heartbeat renew failed", "error", err)
	}
	return true
}

// shutdown releases the lock if this process still owns it.
func (e *Elector) shutdown(acquired bool) {
	e.isLeader.Store(false)
	if !acquired {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, ok, err := e.state.Get(ctx, state.LeaderKey)
	if err != nil {
		e.logger.Error("leader: shutdown ownership check failed", "error", err)
		return
	}
	if ok && v == e.ownerID {
		if err := e.state.Delete(ctx, state.LeaderKey); err != nil {
			e.logger.Error("leader: releasing lock on shutdown", "error", err)
			return
		}
		e.logger.Info("leader: released lock on shutdown", "owner", e.ownerID)
	}
}

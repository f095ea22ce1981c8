// Package admin implements the operator-facing surface (spec §4.8): a
// read-only state dump, active-requests diagnostics, ProxyConfig CRUD, and
// node CRUD with upstream preflight probing.
package admin

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/prober"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/state"
)

// Admin holds the dependencies backing the operator surface.
type Admin struct {
	registry   registry.Store
	state      state.State
	pool       *pool.Manager
	prober     *prober.Prober
	logger     *slog.Logger
	refreshTTL time.Duration
}

// New creates an Admin handler set.
func New(store registry.Store, st state.State, pm *pool.Manager, prb *prober.Prober, logger *slog.Logger, refreshTTL time.Duration) *Admin {
	return &Admin{registry: store, state: st, pool: pm, prober: prb, logger: logger, refreshTTL: refreshTTL}
}

// Mount registers the admin surface onto r (spec §4.8).
func (a *Admin) Mount(r chi.Router) {
	r.Get("/state", a.handleState)
	r.Get("/active-requests", a.handleActiveRequests)
	r.Get("/config", a.handleGetConfig)
	r.Put("/config", a.handlePutConfig)
	r.Patch("/config", a.handlePutConfig)

	r.Get("/nodes", a.handleListNodes)
	r.Post("/nodes", a.handleCreateNode)
	r.Get("/nodes/{id}", a.handleGetNode)
	r.Put("/nodes/{id}", a.handleUpdateNode)
	r.Patch("/nodes/{id}", a.handleUpdateNode)
	r.Delete("/nodes/{id}", a.handleDeleteNode)
}

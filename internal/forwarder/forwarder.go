// Package forwarder implements the per-request proxy pipeline: parse,
// select, acquire, dispatch to upstream (buffered or streaming), release on
// completion or failure (spec §4.7).
package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/registry"
	"github.com/kestrelhq/ollamux/internal/selector"
	"github.com/kestrelhq/ollamux/internal/telemetry"
)

// route describes one upstream endpoint the forwarder exposes.
type route struct {
	suffix          string // upstream path suffix, e.g. "/api/generate"
	timeout         time.Duration
	streamable      bool
	streamMediaType string
	requiresModel   bool
}

var (
	routeGenerate   = route{suffix: "/api/generate", timeout: 60 * time.Second, streamable: true, streamMediaType: "application/x-ndjson", requiresModel: true}
	routeChat       = route{suffix: "/api/chat", timeout: 120 * time.Second, streamable: true, streamMediaType: "application/json", requiresModel: true}
	routeEmbed      = route{suffix: "/api/embed", timeout: 60 * time.Second, requiresModel: true}
	routeEmbeddings = route{suffix: "/api/embeddings", timeout: 60 * time.Second, requiresModel: true}
)

// Forwarder dispatches client requests to a selected backend.
type Forwarder struct {
	selector        *selector.Selector
	pool            *pool.Manager
	registry        registry.Store
	client          *http.Client
	logger          *slog.Logger
	strategyDefault func(ctx context.Context) string

	// aggregateTimeout bounds each per-node upstream call made while
	// fanning out /tags and /ps (spec §4.7 step 5, "30 s tags"); it is the
	// configured UPSTREAM_TIMEOUT_SECONDS (spec §6).
	aggregateTimeout time.Duration
	pullMaxParallel  int
	pullTimeout      time.Duration
}

// New creates a Forwarder. strategyDefault supplies the selection strategy
// for every forwarded request; it should read ProxyConfig.strategy.
// upstreamTimeout bounds the /tags and /ps aggregate fan-out calls;
// pullMaxParallel and pullTimeout bound the /pull fan-out (spec §4.7, §6).
func New(sel *selector.Selector, pm *pool.Manager, store registry.Store, logger *slog.Logger, strategyDefault func(ctx context.Context) string, upstreamTimeout time.Duration, pullMaxParallel int, pullTimeout time.Duration) *Forwarder {
	return &Forwarder{
		selector: sel,
		pool:     pm,
		registry: store,
		// No read timeout at the client level: streaming requests must not
		// be cut off by a fixed deadline. Per-request timeouts are applied
		// via context for buffered calls instead.
		client:           &http.Client{},
		logger:           logger,
		strategyDefault:  strategyDefault,
		aggregateTimeout: upstreamTimeout,
		pullMaxParallel:  pullMaxParallel,
		pullTimeout:      pullTimeout,
	}
}

// Dispatch runs the full per-request pipeline for one of the generate/chat/
// embed/embeddings endpoints.
func (f *Forwarder) Dispatch(w http.ResponseWriter, r *http.Request, rt route) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "reading request body")
		return
	}

	payload, err := parsePayload(body)
	if err != nil {
		if errors.Is(err, ErrNodeIDRejected) {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	modelName := ""
	if rt.requiresModel {
		modelName = payload.Model
	}

	strategy := f.strategyDefault(ctx)
	addr, err := f.selector.Acquire(ctx, modelName, strategy)
	if err != nil {
		writeSelectionError(w, modelName, err)
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.selector.Release(relCtx, addr); err != nil {
			f.logger.Error("forwarder: releasing node", "address", addr, "error", err)
		}
	}
	defer release()

	upstreamURL := addr + rt.suffix

	start := time.Now()
	var outcome string
	if rt.streamable && payload.Stream {
		outcome = f.dispatchStreaming(ctx, w, r, upstreamURL, rt, body, release)
	} else {
		outcome = f.dispatchBuffered(ctx, w, r, upstreamURL, rt, body)
	}
	telemetry.ForwardDuration.WithLabelValues(rt.suffix, outcome).Observe(time.Since(start).Seconds())
}

func copyForwardHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

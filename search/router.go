// Package search routes queries to every owner of an index and merges the
// partial result sets into one deterministic top-K response.
package search

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/metrics"
)

// ErrAllTargetsUnreachable means every owner of the queried index failed.
// It is a hard failure, distinct from a degraded-but-successful response.
var ErrAllTargetsUnreachable = errors.New("search: all targets unreachable")

// RemoteSearcher dispatches one sub-query to a remote owner. The RPC client
// implements it.
type RemoteSearcher interface {
	SearchRemote(ctx context.Context, node cluster.NodeID, index string, req engine.Request, k int) ([]engine.ScoredHit, error)
}

// Config tunes dispatch deadlines.
type Config struct {
	// TargetTimeout bounds each per-target dispatch.
	TargetTimeout time.Duration
	// GlobalTimeout bounds the whole fan-out; dispatches still running at
	// the deadline count as failed targets.
	GlobalTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TargetTimeout <= 0 {
		c.TargetTimeout = 2 * time.Second
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = 5 * time.Second
	}
}

// Result is a merged search response. Degraded marks a successful query that
// is missing at least one target's contribution.
type Result struct {
	Hits          []engine.ScoredHit `json:"hits"`
	Degraded      bool               `json:"degraded"`
	FailedTargets []string           `json:"failed_targets,omitempty"`
}

// Router fans a query out to the local handle and every remote owner,
// tolerating partial failure.
type Router struct {
	cat    *catalog.Catalog
	remote RemoteSearcher
	met    *metrics.Metrics
	logger logrus.FieldLogger
	cfg    Config
}

// Option configures a Router.
type Option func(*Router)

// WithRemote wires the remote dispatch transport.
func WithRemote(r RemoteSearcher) Option {
	return func(rt *Router) { rt.remote = r }
}

// WithMetrics wires the query collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Router) { rt.met = m }
}

// NewRouter builds a router over the catalog.
func NewRouter(cat *catalog.Catalog, cfg Config, logger logrus.FieldLogger, opts ...Option) *Router {
	cfg.applyDefaults()
	rt := &Router{cat: cat, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Search resolves the owners of an index, queries each concurrently and
// merges the scored hits by (score desc, doc id asc), truncated to k. Hits
// merge deterministically, so identical inputs always rank identically.
func (rt *Router) Search(ctx context.Context, index string, req engine.Request, k int) (Result, error) {
	if k <= 0 {
		k = 10
	}
	local, owners := rt.cat.ResolveTargets(index)
	if local == nil && len(owners) == 0 {
		return Result{}, errors.Wrap(catalog.ErrNotFound, index)
	}

	start := time.Now()
	targets := len(owners)
	if local != nil {
		targets++
	}

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.GlobalTimeout)
	defer cancel()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		merged []engine.ScoredHit
		failed []string
	)
	collect := func(hits []engine.ScoredHit) {
		mu.Lock()
		merged = append(merged, hits...)
		mu.Unlock()
	}
	fail := func(label string, err error) {
		mu.Lock()
		failed = append(failed, label)
		mu.Unlock()
		rt.met.DispatchFailure(label)
		rt.logger.WithError(err).
			WithField("index", index).
			WithField("target", label).
			Warn("query dispatch failed")
	}

	if local != nil {
		g.Go(func() error {
			tctx, tcancel := context.WithTimeout(ctx, rt.cfg.TargetTimeout)
			defer tcancel()
			hits, err := local.Search(tctx, req, k)
			if err != nil {
				fail("local", err)
				return nil
			}
			collect(hits)
			return nil
		})
	}
	for _, owner := range owners {
		owner := owner
		g.Go(func() error {
			if rt.remote == nil {
				fail(owner.Name, errors.New("no remote transport configured"))
				return nil
			}
			tctx, tcancel := context.WithTimeout(ctx, rt.cfg.TargetTimeout)
			defer tcancel()
			hits, err := rt.remote.SearchRemote(tctx, owner, index, req, k)
			if err != nil {
				fail(owner.Name, err)
				return nil
			}
			collect(hits)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // dispatch failures are collected, not returned

	if len(failed) == targets {
		return Result{}, errors.Wrap(ErrAllTargetsUnreachable, index)
	}

	engine.SortHits(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	res := Result{Hits: merged, Degraded: len(failed) > 0, FailedTargets: failed}
	rt.met.QueryRouted(index, targets, time.Since(start).Seconds(), res.Degraded)
	return res, nil
}

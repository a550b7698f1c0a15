package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/metrics"
)

// Forwarder delivers a batch to a remote owner's pipeline. The RPC client
// implements it.
type Forwarder interface {
	ForwardBatch(ctx context.Context, node cluster.NodeID, index string, ops []Operation) (BatchResult, error)
}

// Config tunes batching and backpressure.
type Config struct {
	// MaxBatchOps closes a buffered batch once it holds this many operations.
	MaxBatchOps int
	// MaxBatchDelay closes a buffered batch this long after its first
	// operation, whichever of the two thresholds hits first.
	MaxBatchDelay time.Duration
	// MaxInFlight caps concurrently applying batches across all indices.
	MaxInFlight int
	// MaxInFlightPerIndex caps concurrently applying batches per index.
	MaxInFlightPerIndex int
	// Blocking selects whether producers over the cap wait or fail with
	// ErrOverloaded.
	Blocking bool
	// ForwardTimeout bounds each per-owner forward of a remote batch.
	ForwardTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBatchOps <= 0 {
		c.MaxBatchOps = 500
	}
	if c.MaxBatchDelay <= 0 {
		c.MaxBatchDelay = time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.MaxInFlightPerIndex <= 0 {
		c.MaxInFlightPerIndex = 2
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 5 * time.Second
	}
}

// ResultHandler receives the outcome of batches the pipeline closed on its
// own (count or time threshold). Submit callers get results directly.
type ResultHandler func(index string, res BatchResult, err error)

type batchBuffer struct {
	ops   []Operation
	timer *time.Timer
}

// Pipeline buffers bulk operations per index, applies closed batches against
// the local handle or forwards them to every remote owner, and bounds the
// number of batches in flight.
type Pipeline struct {
	cat      *catalog.Catalog
	fwd      Forwarder
	met      *metrics.Metrics
	logger   logrus.FieldLogger
	cfg      Config
	onResult ResultHandler

	mu      sync.Mutex
	buffers map[string]*batchBuffer
	closed  bool

	global   chan struct{}
	idxMu    sync.Mutex
	perIndex map[string]chan struct{}

	wg sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithForwarder wires the remote batch transport.
func WithForwarder(f Forwarder) Option {
	return func(p *Pipeline) { p.fwd = f }
}

// WithMetrics wires the ingest collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.met = m }
}

// WithResultHandler observes the outcome of auto-flushed batches.
func WithResultHandler(h ResultHandler) Option {
	return func(p *Pipeline) { p.onResult = h }
}

// NewPipeline builds a pipeline over the catalog.
func NewPipeline(cat *catalog.Catalog, cfg Config, logger logrus.FieldLogger, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cat:      cat,
		cfg:      cfg,
		logger:   logger,
		buffers:  make(map[string]*batchBuffer),
		global:   make(chan struct{}, cfg.MaxInFlight),
		perIndex: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.onResult == nil {
		p.onResult = func(index string, res BatchResult, err error) {
			if err != nil {
				logger.WithError(err).WithField("index", index).Error("auto-flushed batch failed")
			}
		}
	}
	return p
}

// Append buffers one operation. The batch it lands in closes when it reaches
// MaxBatchOps or MaxBatchDelay after its first operation, whichever first,
// and is then applied in the background.
func (p *Pipeline) Append(index string, op Operation) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	buf, ok := p.buffers[index]
	if !ok {
		buf = &batchBuffer{}
		p.buffers[index] = buf
	}
	op.Seq = len(buf.ops)
	buf.ops = append(buf.ops, op)

	if len(buf.ops) >= p.cfg.MaxBatchOps {
		ops := p.takeLocked(index, buf)
		p.mu.Unlock()
		p.applyAsync(index, ops)
		return nil
	}
	if len(buf.ops) == 1 {
		buf.timer = time.AfterFunc(p.cfg.MaxBatchDelay, func() { p.Flush(index) })
	}
	p.mu.Unlock()
	return nil
}

// Flush closes the buffered batch of an index immediately.
func (p *Pipeline) Flush(index string) {
	p.mu.Lock()
	buf, ok := p.buffers[index]
	if !ok || len(buf.ops) == 0 {
		p.mu.Unlock()
		return
	}
	ops := p.takeLocked(index, buf)
	p.mu.Unlock()
	p.applyAsync(index, ops)
}

// takeLocked empties a buffer and cancels its timer. Caller holds p.mu.
func (p *Pipeline) takeLocked(index string, buf *batchBuffer) []Operation {
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	ops := buf.ops
	buf.ops = nil
	return ops
}

func (p *Pipeline) applyAsync(index string, ops []Operation) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res, err := p.apply(context.Background(), index, ops, true)
		p.onResult(index, res, err)
	}()
}

// Submit applies a complete batch synchronously and returns its result.
// Operations keep their given Seq order; zero Seqs are assigned by position.
func (p *Pipeline) Submit(ctx context.Context, index string, ops []Operation) (BatchResult, error) {
	if len(ops) == 0 {
		return BatchResult{Index: index, Committed: true}, nil
	}
	for i := range ops {
		if ops[i].Seq == 0 && i > 0 {
			ops[i].Seq = i
		}
	}
	return p.apply(ctx, index, ops, p.cfg.Blocking)
}

// SubmitLocal applies a batch against the local handle only, never fanning
// out. Batches forwarded from peers land here so replicas cannot re-forward
// in a loop.
func (p *Pipeline) SubmitLocal(ctx context.Context, index string, ops []Operation) (BatchResult, error) {
	release, err := p.acquire(ctx, index, p.cfg.Blocking)
	if err != nil {
		return BatchResult{Index: index}, err
	}
	defer release()

	p.met.InFlight(1)
	defer p.met.InFlight(-1)
	start := time.Now()

	local, _ := p.cat.ResolveTargets(index)
	if local == nil {
		return BatchResult{Index: index}, errors.Wrap(catalog.ErrNotFound, index)
	}
	res, err := p.applyLocal(local, index, ops)
	p.met.OpFailures(index, len(res.Failed))
	outcome := "committed"
	if err != nil {
		outcome = "commit_failed"
	}
	p.met.BatchApplied(index, outcome, time.Since(start).Seconds())
	return res, err
}

func (p *Pipeline) apply(ctx context.Context, index string, ops []Operation, block bool) (BatchResult, error) {
	release, err := p.acquire(ctx, index, block)
	if err != nil {
		return BatchResult{Index: index}, err
	}
	defer release()

	p.met.InFlight(1)
	defer p.met.InFlight(-1)
	start := time.Now()

	local, owners := p.cat.ResolveTargets(index)
	if local == nil && len(owners) == 0 {
		return BatchResult{Index: index}, errors.Wrap(catalog.ErrNotFound, index)
	}

	var res BatchResult
	if local != nil {
		var err error
		res, err = p.applyLocal(local, index, ops)
		p.met.OpFailures(index, len(res.Failed))
		if err != nil {
			p.met.BatchApplied(index, "commit_failed", time.Since(start).Seconds())
			return res, err
		}
	}

	if len(owners) > 0 {
		remoteRes, failed := p.forwardAll(ctx, owners, index, ops)
		acked := len(failed) < len(owners)
		if local == nil && acked {
			res = remoteRes
		}
		switch {
		case len(failed) == 0:
		case local != nil || acked:
			// At least one owner (this node included) has the batch durable.
			p.met.BatchApplied(index, "partial", time.Since(start).Seconds())
			return res, &PartialApplyError{Index: index, Result: res, Failed: failed}
		default:
			var all *multierror.Error
			for node, err := range failed {
				all = multierror.Append(all, errors.Wrap(err, node.String()))
			}
			p.met.BatchApplied(index, "forward_failed", time.Since(start).Seconds())
			return BatchResult{Index: index}, errors.Wrapf(all.ErrorOrNil(), "ingest: batch for %q failed on every owner", index)
		}
	}

	p.met.BatchApplied(index, "committed", time.Since(start).Seconds())
	return res, nil
}

// acquire takes the global and per-index in-flight slots. Producers over the
// cap block (bounded by ctx) or fail with ErrOverloaded, never buffer
// unbounded batches.
func (p *Pipeline) acquire(ctx context.Context, index string, block bool) (func(), error) {
	sem := p.indexSem(index)
	if block {
		select {
		case p.global <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			<-p.global
			return nil, ctx.Err()
		}
	} else {
		select {
		case p.global <- struct{}{}:
		default:
			p.met.Overloaded()
			return nil, errors.Wrap(ErrOverloaded, "global batch cap")
		}
		select {
		case sem <- struct{}{}:
		default:
			<-p.global
			p.met.Overloaded()
			return nil, errors.Wrapf(ErrOverloaded, "index %s batch cap", index)
		}
	}
	return func() {
		<-sem
		<-p.global
	}, nil
}

func (p *Pipeline) indexSem(index string) chan struct{} {
	p.idxMu.Lock()
	defer p.idxMu.Unlock()
	sem, ok := p.perIndex[index]
	if !ok {
		sem = make(chan struct{}, p.cfg.MaxInFlightPerIndex)
		p.perIndex[index] = sem
	}
	return sem
}

// applyLocal runs every operation in sequence order against the handle. A
// single operation's failure is recorded and the rest proceed; the one
// commit at the end decides durability for the whole batch.
func (p *Pipeline) applyLocal(h *catalog.Handle, index string, ops []Operation) (BatchResult, error) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })

	res := BatchResult{Index: index}
	var opErrs *multierror.Error
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpAdd:
			_, err = h.Add(op.Doc)
		case OpDelete:
			err = h.Delete(op.DocID)
		default:
			err = errors.Errorf("ingest: unknown operation kind %d", op.Kind)
		}
		if err != nil {
			res.Failed = append(res.Failed, OpError{Seq: op.Seq, Err: err.Error()})
			opErrs = multierror.Append(opErrs, errors.Wrapf(err, "op %d", op.Seq))
			continue
		}
		res.Applied++
	}
	if opErrs != nil {
		p.logger.WithField("index", index).
			WithField("failed_ops", len(res.Failed)).
			Warn(opErrs.Error())
	}

	if err := h.Commit(); err != nil {
		res.Applied = 0
		res.Committed = false
		return res, errors.Wrapf(ErrCommitFailed, "%s: %v", index, err)
	}
	res.Committed = true
	return res, nil
}

// forwardAll sends the batch to every owner concurrently, each send bounded
// by its own timeout. Returns the first acknowledging owner's result and a
// map of the owners that failed.
func (p *Pipeline) forwardAll(ctx context.Context, owners []cluster.NodeID, index string, ops []Operation) (BatchResult, map[cluster.NodeID]error) {
	failed := make(map[cluster.NodeID]error)
	if p.fwd == nil {
		err := errors.Errorf("ingest: no forwarder configured, cannot reach owners of %q", index)
		for _, owner := range owners {
			failed[owner] = err
		}
		return BatchResult{Index: index}, failed
	}

	type ack struct {
		node cluster.NodeID
		res  BatchResult
		err  error
	}
	acks := make(chan ack, len(owners))
	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(node cluster.NodeID) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, p.cfg.ForwardTimeout)
			defer cancel()
			res, err := p.fwd.ForwardBatch(fctx, node, index, ops)
			acks <- ack{node: node, res: res, err: err}
		}(owner)
	}
	wg.Wait()
	close(acks)

	var res BatchResult
	var ok bool
	for a := range acks {
		if a.err != nil {
			failed[a.node] = a.err
			continue
		}
		if !ok {
			res, ok = a.res, true
		}
	}
	return res, failed
}

// Close flushes every buffered batch and waits for in-flight applications.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := make(map[string][]Operation)
	for index, buf := range p.buffers {
		if len(buf.ops) > 0 {
			pending[index] = p.takeLocked(index, buf)
		}
	}
	p.mu.Unlock()

	for index, ops := range pending {
		p.applyAsync(index, ops)
	}
	p.wg.Wait()
}

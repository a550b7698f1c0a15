package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/searchd/engine"
)

// Handle is the catalog's exclusive wrapper around one locally hosted index.
// Every read and write passes through it so a drop can drain in-flight
// operations before destroying the index.
type Handle struct {
	idx *engine.Index

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	draining bool
	closed   bool
}

func newHandle(idx *engine.Index) *Handle {
	h := &Handle{idx: idx}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Name returns the index name.
func (h *Handle) Name() string { return h.idx.Name() }

func (h *Handle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.draining {
		return ErrClosed
	}
	h.inflight++
	return nil
}

func (h *Handle) release() {
	h.mu.Lock()
	h.inflight--
	if h.inflight == 0 {
		h.cond.Broadcast()
	}
	h.mu.Unlock()
}

// InFlight reports the number of operations currently holding the handle.
func (h *Handle) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}

// Add stages a document write.
func (h *Handle) Add(value any) (int64, error) {
	if err := h.acquire(); err != nil {
		return 0, err
	}
	defer h.release()
	return h.idx.Add(value)
}

// Delete stages a document removal.
func (h *Handle) Delete(docID int64) error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.release()
	return h.idx.Delete(docID)
}

// Commit makes staged operations visible and durable. The engine serializes
// commits per index, so concurrent callers queue here rather than interleave.
func (h *Handle) Commit() error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.release()
	return h.idx.Commit()
}

// Search runs a query against the last committed state. The read reference
// it holds blocks a concurrent drop until the query finishes.
func (h *Handle) Search(ctx context.Context, req engine.Request, k int) ([]engine.ScoredHit, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()
	return h.idx.Search(ctx, req, k)
}

// Stats reports committed and pending sizes.
func (h *Handle) Stats() engine.Stats {
	return h.idx.Stats()
}

// drain blocks new operations and waits for in-flight ones to finish. On
// timeout the handle reverts to usable and ErrDropTimeout is returned; on
// success the handle is closed for good.
func (h *Handle) drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.draining = true

	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer timer.Stop()

	for h.inflight > 0 && time.Now().Before(deadline) {
		h.cond.Wait()
	}
	if h.inflight > 0 {
		h.draining = false
		return ErrDropTimeout
	}
	h.closed = true
	return nil
}

// close flushes the index. Used on clean shutdown, after a successful drain.
func (h *Handle) close() error {
	return h.idx.Close()
}

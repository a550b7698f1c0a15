package ingest

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
)

func testCatalog(t *testing.T) (*catalog.Catalog, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()
	store, err := engine.NewStore(dir, logger, engine.WithDocIDField("id"))
	require.NoError(t, err)
	return catalog.New(store, logger), dir
}

func testPipeline(t *testing.T, cat *catalog.Catalog, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewPipeline(cat, cfg, logger, opts...)
}

func owner(name string) cluster.NodeID {
	return cluster.NodeID{Name: name, Addr: name + ":4001", Generation: "gen"}
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls map[string][]Operation
	fail  map[string]error
	block chan struct{}
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{calls: make(map[string][]Operation), fail: make(map[string]error)}
}

func (f *fakeForwarder) ForwardBatch(ctx context.Context, node cluster.NodeID, index string, ops []Operation) (BatchResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[node.Name]; ok {
		return BatchResult{}, err
	}
	f.calls[node.Name] = append([]Operation(nil), ops...)
	return BatchResult{Index: index, Applied: len(ops), Committed: true}, nil
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSubmitLocalBatch(t *testing.T) {
	ctx := context.Background()
	cat, _ := testCatalog(t)
	h, err := cat.CreateLocal("docs")
	require.NoError(t, err)
	p := testPipeline(t, cat, Config{})
	defer p.Close()

	res, err := p.Submit(ctx, "docs", []Operation{
		Add(engine.GenericRecord{"id": 1, "title": "first entry"}),
		Add(engine.GenericRecord{"id": 2, "title": "second entry"}),
		Add(engine.GenericRecord{"id": 3, "title": "third entry"}),
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 3, res.Applied)
	assert.Empty(t, res.Failed)

	hits, err := h.Search(ctx, engine.Request{Query: "entry"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3, "committed batch is immediately searchable")
}

func TestSubmitAccumulatesOpFailures(t *testing.T) {
	ctx := context.Background()
	cat, _ := testCatalog(t)
	h, err := cat.CreateLocal("docs")
	require.NoError(t, err)
	p := testPipeline(t, cat, Config{})
	defer p.Close()

	res, err := p.Submit(ctx, "docs", []Operation{
		Add(engine.GenericRecord{"id": 1, "title": "good doc"}),
		Delete(999), // unknown id, fails individually
		Add(engine.GenericRecord{"id": 2, "title": "also good"}),
	})
	require.NoError(t, err, "per-op failures do not fail the batch")
	assert.True(t, res.Committed)
	assert.Equal(t, 2, res.Applied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Seq)

	hits, err := h.Search(ctx, engine.Request{Query: "good"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2, "non-failed operations are durable")
}

func TestSubmitCommitFailure(t *testing.T) {
	ctx := context.Background()
	cat, dir := testCatalog(t)
	h, err := cat.CreateLocal("docs")
	require.NoError(t, err)
	p := testPipeline(t, cat, Config{})
	defer p.Close()

	// Destroy the data directory so the commit's persistence step fails.
	require.NoError(t, os.RemoveAll(dir))

	res, err := p.Submit(ctx, "docs", []Operation{
		Add(engine.GenericRecord{"id": 1, "title": "doomed"}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommitFailed))
	assert.False(t, res.Committed)
	assert.Zero(t, res.Applied, "commit failure voids every applied operation")

	hits, err := h.Search(ctx, engine.Request{Query: "doomed"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "nothing from a failed batch is visible")
}

func TestSubmitUnknownIndex(t *testing.T) {
	cat, _ := testCatalog(t)
	p := testPipeline(t, cat, Config{})
	defer p.Close()

	_, err := p.Submit(context.Background(), "nowhere", []Operation{Add(engine.GenericRecord{"id": 1, "v": "x"})})
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestRemoteForwarding(t *testing.T) {
	ctx := context.Background()
	ops := []Operation{Add(engine.GenericRecord{"id": 1, "title": "forwarded"})}

	t.Run("all owners acknowledge", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a"), owner("b")})
		fwd := newFakeForwarder()
		p := testPipeline(t, cat, Config{}, WithForwarder(fwd))
		defer p.Close()

		res, err := p.Submit(ctx, "docs", ops)
		require.NoError(t, err)
		assert.True(t, res.Committed)
		assert.Equal(t, 2, fwd.callCount(), "replicated batch reaches every owner")
	})

	t.Run("one owner unreachable is partially applied", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a"), owner("b")})
		fwd := newFakeForwarder()
		fwd.fail["b"] = errors.New("connection refused")
		p := testPipeline(t, cat, Config{}, WithForwarder(fwd))
		defer p.Close()

		res, err := p.Submit(ctx, "docs", ops)
		require.Error(t, err)
		var partial *PartialApplyError
		require.True(t, errors.As(err, &partial))
		require.Len(t, partial.FailedOwners(), 1)
		assert.Equal(t, "b", partial.FailedOwners()[0].Name)
		assert.True(t, res.Committed, "the reachable owner's data is durable")
	})

	t.Run("local replica commits even when a remote owner fails", func(t *testing.T) {
		cat, _ := testCatalog(t)
		h, err := cat.CreateLocal("docs")
		require.NoError(t, err)
		cat.SetRemote("docs", []cluster.NodeID{owner("b")})
		fwd := newFakeForwarder()
		fwd.fail["b"] = errors.New("connection refused")
		p := testPipeline(t, cat, Config{}, WithForwarder(fwd))
		defer p.Close()

		_, err = p.Submit(ctx, "docs", ops)
		var partial *PartialApplyError
		require.True(t, errors.As(err, &partial))
		assert.Equal(t, "b", partial.FailedOwners()[0].Name)

		hits, err := h.Search(ctx, engine.Request{Query: "forwarded"}, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 1, "local replica data is durably committed")
	})

	t.Run("all owners unreachable is a hard failure", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a"), owner("b")})
		fwd := newFakeForwarder()
		fwd.fail["a"] = errors.New("connection refused")
		fwd.fail["b"] = errors.New("connection refused")
		p := testPipeline(t, cat, Config{}, WithForwarder(fwd))
		defer p.Close()

		_, err := p.Submit(ctx, "docs", ops)
		require.Error(t, err)
		var partial *PartialApplyError
		assert.False(t, errors.As(err, &partial), "zero acks is not a partial apply")
	})
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	ops := []Operation{Add(engine.GenericRecord{"id": 1, "title": "load"})}

	t.Run("non-blocking submit rejects over the cap", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a")})
		fwd := newFakeForwarder()
		fwd.block = make(chan struct{})
		p := testPipeline(t, cat, Config{MaxInFlight: 1}, WithForwarder(fwd))

		started := make(chan struct{})
		go func() {
			close(started)
			p.Submit(ctx, "docs", ops) //nolint:errcheck
		}()
		<-started
		require.Eventually(t, func() bool {
			_, err := p.Submit(ctx, "docs", ops)
			return errors.Is(err, ErrOverloaded)
		}, time.Second, 5*time.Millisecond)

		close(fwd.block)
		p.Close()
	})

	t.Run("blocking submit waits for a slot", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a")})
		fwd := newFakeForwarder()
		fwd.block = make(chan struct{})
		p := testPipeline(t, cat, Config{MaxInFlight: 1, Blocking: true}, WithForwarder(fwd))

		first := make(chan struct{})
		go func() {
			defer close(first)
			p.Submit(ctx, "docs", ops) //nolint:errcheck
		}()

		second := make(chan error, 1)
		go func() {
			_, err := p.Submit(ctx, "docs", ops)
			second <- err
		}()

		select {
		case <-second:
			t.Fatal("second submit must block while the slot is held")
		case <-time.After(50 * time.Millisecond):
		}

		close(fwd.block)
		<-first
		require.NoError(t, <-second)
		p.Close()
	})

	t.Run("blocking submit honors context cancellation", func(t *testing.T) {
		cat, _ := testCatalog(t)
		cat.SetRemote("docs", []cluster.NodeID{owner("a")})
		fwd := newFakeForwarder()
		fwd.block = make(chan struct{})
		p := testPipeline(t, cat, Config{MaxInFlight: 1, Blocking: true}, WithForwarder(fwd))

		go p.Submit(ctx, "docs", ops)     //nolint:errcheck
		time.Sleep(50 * time.Millisecond) // let the first submit take the slot

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := p.Submit(cctx, "docs", ops)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		close(fwd.block)
		p.Close()
	})
}

func TestAppendClosesBatchOnTimeWindow(t *testing.T) {
	ctx := context.Background()
	cat, _ := testCatalog(t)
	h, err := cat.CreateLocal("docs")
	require.NoError(t, err)

	results := make(chan BatchResult, 1)
	p := testPipeline(t, cat,
		Config{MaxBatchOps: 100, MaxBatchDelay: 40 * time.Millisecond},
		WithResultHandler(func(index string, res BatchResult, err error) {
			require.NoError(t, err)
			results <- res
		}),
	)
	defer p.Close()

	// Three documents, well below the op-count threshold: only the time
	// window can close this batch.
	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Append("docs", Add(engine.GenericRecord{"id": i, "title": "windowed doc"})))
	}

	select {
	case res := <-results:
		assert.True(t, res.Committed)
		assert.Equal(t, 3, res.Applied)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never auto-committed on the time window")
	}

	hits, err := h.Search(ctx, engine.Request{Query: "windowed"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestAppendClosesBatchOnOpCount(t *testing.T) {
	cat, _ := testCatalog(t)
	_, err := cat.CreateLocal("docs")
	require.NoError(t, err)

	results := make(chan BatchResult, 1)
	p := testPipeline(t, cat,
		Config{MaxBatchOps: 2, MaxBatchDelay: time.Hour},
		WithResultHandler(func(index string, res BatchResult, err error) {
			require.NoError(t, err)
			results <- res
		}),
	)
	defer p.Close()

	require.NoError(t, p.Append("docs", Add(engine.GenericRecord{"id": 1, "title": "counted"})))
	require.NoError(t, p.Append("docs", Add(engine.GenericRecord{"id": 2, "title": "counted"})))

	select {
	case res := <-results:
		assert.Equal(t, 2, res.Applied)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never closed on the op-count threshold")
	}
}

func TestCloseFlushesBufferedOps(t *testing.T) {
	ctx := context.Background()
	cat, _ := testCatalog(t)
	h, err := cat.CreateLocal("docs")
	require.NoError(t, err)
	p := testPipeline(t, cat, Config{MaxBatchOps: 100, MaxBatchDelay: time.Hour})

	require.NoError(t, p.Append("docs", Add(engine.GenericRecord{"id": 1, "title": "flushed on close"})))
	p.Close()

	assert.True(t, errors.Is(p.Append("docs", Add(engine.GenericRecord{"id": 2, "v": "x"})), ErrPipelineClosed))
	hits, err := h.Search(ctx, engine.Request{Query: "flushed"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

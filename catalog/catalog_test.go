package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
)

func testCatalog(t *testing.T, opts ...Option) *Catalog {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := engine.NewStore(t.TempDir(), logger, engine.WithDocIDField("id"))
	require.NoError(t, err)
	return New(store, logger, opts...)
}

func node(name string) cluster.NodeID {
	return cluster.NodeID{Name: name, Addr: name + ":4001", Generation: "gen-" + name}
}

func TestResolveTagging(t *testing.T) {
	c := testCatalog(t)

	assert.Equal(t, EntryUnknown, c.Resolve("nowhere").Kind)

	_, err := c.CreateLocal("local-idx")
	require.NoError(t, err)
	entry := c.Resolve("local-idx")
	assert.Equal(t, EntryLocal, entry.Kind)
	require.NotNil(t, entry.Local)

	c.SetRemote("remote-idx", []cluster.NodeID{node("a"), node("b")})
	entry = c.Resolve("remote-idx")
	assert.Equal(t, EntryRemote, entry.Kind)
	assert.Len(t, entry.Owners, 2)
	assert.Nil(t, entry.Local)
}

func TestCreateLocalConflicts(t *testing.T) {
	c := testCatalog(t)

	_, err := c.CreateLocal("orders")
	require.NoError(t, err)
	_, err = c.CreateLocal("orders")
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	c.SetRemote("billing", []cluster.NodeID{node("a")})
	_, err = c.CreateLocal("billing")
	assert.True(t, errors.Is(err, ErrAlreadyExists), "cluster-unique names include remote owners")
}

func TestCreateLocalConflictsWithSnapshotOnDisk(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := engine.NewStore(t.TempDir(), logger, engine.WithDocIDField("id"))
	require.NoError(t, err)

	first := New(store, logger)
	_, err = first.CreateLocal("orders")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A new catalog over the same data directory has an empty map, but the
	// snapshot on disk still claims the name.
	second := New(store, logger)
	_, err = second.CreateLocal("orders")
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestSingleHandlePerName(t *testing.T) {
	c := testCatalog(t)
	created, err := c.CreateLocal("orders")
	require.NoError(t, err)

	// Concurrent opens of the same name all land on the one existing handle.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[*Handle]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.OpenExisting("orders")
			if err != nil {
				return
			}
			mu.Lock()
			handles[h] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, handles, 1)
	_, ok := handles[created]
	assert.True(t, ok)
}

func TestOpenExistingErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()
	store, err := engine.NewStore(dir, logger)
	require.NoError(t, err)
	c := New(store, logger)

	_, err = c.OpenExisting("absent")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "mangled.idx"), []byte("junk"), 0o644))
	_, err = c.OpenExisting("mangled")
	assert.True(t, errors.Is(err, ErrCorruptIndex))
}

func TestBootstrapReopensIndexes(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()
	store, err := engine.NewStore(dir, logger, engine.WithDocIDField("id"))
	require.NoError(t, err)

	first := New(store, logger)
	h, err := first.CreateLocal("persisted")
	require.NoError(t, err)
	_, err = h.Add(engine.GenericRecord{"id": 1, "title": "survives restart"})
	require.NoError(t, err)
	require.NoError(t, h.Commit())
	require.NoError(t, first.Close())

	pub := &recordingPublisher{}
	second := New(store, logger, WithPublisher(pub))
	require.NoError(t, second.Bootstrap())
	entry := second.Resolve("persisted")
	require.Equal(t, EntryLocal, entry.Kind)
	hits, err := entry.Local.Search(context.Background(), engine.Request{Query: "survives"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// A restarted node must advertise the indexes it reopened, or peers
	// never route to them.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.calls, 1)
	assert.Equal(t, []string{"persisted"}, pub.calls[0])
}

func TestDropLocal(t *testing.T) {
	t.Run("unknown name", func(t *testing.T) {
		c := testCatalog(t)
		err := c.DropLocal("ghost")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("waits for an in-flight reader then succeeds", func(t *testing.T) {
		c := testCatalog(t, WithDrainTimeout(2*time.Second))
		h, err := c.CreateLocal("docs")
		require.NoError(t, err)

		require.NoError(t, h.acquire()) // stands in for a long-running query
		done := make(chan error, 1)
		go func() { done <- c.DropLocal("docs") }()

		select {
		case <-done:
			t.Fatal("drop must not finish while a reader is in flight")
		case <-time.After(50 * time.Millisecond):
		}

		h.release()
		require.NoError(t, <-done)
		assert.Equal(t, EntryUnknown, c.Resolve("docs").Kind)
	})

	t.Run("times out and leaves the index usable", func(t *testing.T) {
		c := testCatalog(t, WithDrainTimeout(30*time.Millisecond))
		h, err := c.CreateLocal("docs")
		require.NoError(t, err)

		require.NoError(t, h.acquire())
		err = c.DropLocal("docs")
		assert.True(t, errors.Is(err, ErrDropTimeout))
		h.release()

		// Still resolvable and still writable after the failed drop.
		assert.Equal(t, EntryLocal, c.Resolve("docs").Kind)
		_, err = h.Add(engine.GenericRecord{"id": 1, "title": "still here"})
		require.NoError(t, err)

		// A retry with no stragglers succeeds.
		require.NoError(t, c.DropLocal("docs"))
	})

	t.Run("rejects new operations while draining", func(t *testing.T) {
		c := testCatalog(t, WithDrainTimeout(500*time.Millisecond))
		h, err := c.CreateLocal("docs")
		require.NoError(t, err)

		require.NoError(t, h.acquire())
		go func() {
			time.Sleep(100 * time.Millisecond)
			h.release()
		}()
		done := make(chan error, 1)
		go func() { done <- c.DropLocal("docs") }()
		time.Sleep(30 * time.Millisecond)

		_, err = h.Add(engine.GenericRecord{"id": 2, "title": "rejected"})
		assert.True(t, errors.Is(err, ErrClosed))
		require.NoError(t, <-done)
	})
}

func TestPruneOwner(t *testing.T) {
	c := testCatalog(t)
	a, b := node("a"), node("b")
	c.SetRemote("shared", []cluster.NodeID{a, b})
	c.SetRemote("solo", []cluster.NodeID{a})

	c.PruneOwner(a)

	entry := c.Resolve("shared")
	require.Equal(t, EntryRemote, entry.Kind)
	assert.Equal(t, []cluster.NodeID{b}, entry.Owners)
	assert.Equal(t, EntryUnknown, c.Resolve("solo").Kind, "ownerless entries degrade to unknown")
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls [][]string
}

func (p *recordingPublisher) PublishOwnership(indexes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, indexes)
	return nil
}

func TestOwnershipPublication(t *testing.T) {
	pub := &recordingPublisher{}
	c := testCatalog(t, WithPublisher(pub))

	_, err := c.CreateLocal("alpha")
	require.NoError(t, err)
	_, err = c.CreateLocal("beta")
	require.NoError(t, err)
	require.NoError(t, c.DropLocal("alpha"))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.calls, 3)
	assert.Equal(t, []string{"alpha"}, pub.calls[0])
	assert.Equal(t, []string{"alpha", "beta"}, pub.calls[1])
	assert.Equal(t, []string{"beta"}, pub.calls[2])
}

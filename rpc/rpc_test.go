package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/ingest"
	"github.com/oarkflow/searchd/search"
)

type testNode struct {
	cat      *catalog.Catalog
	pipeline *ingest.Pipeline
	server   *Server
}

func startNode(t *testing.T, name string) *testNode {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := engine.NewStore(t.TempDir(), logger, engine.WithDocIDField("id"))
	require.NoError(t, err)
	cat := catalog.New(store, logger)
	pipeline := ingest.NewPipeline(cat, ingest.Config{}, logger)
	server, err := NewServer("127.0.0.1:0", name, cat, pipeline, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		pipeline.Close()
		server.Close() //nolint:errcheck
	})
	return &testNode{cat: cat, pipeline: pipeline, server: server}
}

func (n *testNode) id(name string) cluster.NodeID {
	return cluster.NodeID{Name: name, Addr: n.server.Addr(), Generation: "gen"}
}

func TestForwardedBatchAppliesOnOwner(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	owner := startNode(t, "a")
	h, err := owner.cat.CreateLocal("docs")
	require.NoError(t, err)

	client := NewClient(nil, ClientConfig{}, logger)
	defer client.Close()

	res, err := client.ForwardBatch(ctx, owner.id("a"), "docs", []ingest.Operation{
		{Seq: 0, Kind: ingest.OpAdd, Doc: engine.GenericRecord{"id": 1, "title": "forwarded doc"}},
		{Seq: 1, Kind: ingest.OpAdd, Doc: engine.GenericRecord{"id": 2, "title": "forwarded doc"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 2, res.Applied)

	hits, err := h.Search(ctx, engine.Request{Query: "forwarded"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2, "forwarded batch is durable on the owner")
}

func TestForwardedBatchErrorsCrossTheWire(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	owner := startNode(t, "a")
	client := NewClient(nil, ClientConfig{}, logger)
	defer client.Close()

	_, err := client.ForwardBatch(ctx, owner.id("a"), "missing", []ingest.Operation{
		{Kind: ingest.OpAdd, Doc: engine.GenericRecord{"id": 1, "v": "x"}},
	})
	assert.True(t, errors.Is(err, catalog.ErrNotFound), "error taxonomy survives serialization")
}

func TestRemoteSearchThroughRouter(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Node A hosts the data.
	nodeA := startNode(t, "a")
	_, err := nodeA.cat.CreateLocal("docs")
	require.NoError(t, err)
	_, err = nodeA.pipeline.Submit(ctx, "docs", []ingest.Operation{
		ingest.Add(engine.GenericRecord{"id": 1, "title": "clustered entry"}),
		ingest.Add(engine.GenericRecord{"id": 2, "title": "clustered entry"}),
	})
	require.NoError(t, err)

	// Node B owns nothing; its catalog points at A.
	storeB, err := engine.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	catB := catalog.New(storeB, logger)
	catB.SetRemote("docs", []cluster.NodeID{nodeA.id("a")})

	client := NewClient(nil, ClientConfig{}, logger)
	defer client.Close()
	router := search.NewRouter(catB, search.Config{}, logger, search.WithRemote(client))

	res, err := router.Search(ctx, "docs", engine.Request{Query: "clustered"}, 10)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Hits, 2, "remote owner's hits come back verbatim")
	assert.Equal(t, int64(1), res.Hits[0].DocID)

	// Direct sub-query path mirrors what the router dispatched.
	hits, err := client.SearchRemote(ctx, nodeA.id("a"), "docs", engine.Request{Query: "clustered"}, 10)
	require.NoError(t, err)
	assert.Equal(t, res.Hits, hits)
}

func TestUnreachablePeerFailsFast(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	client := NewClient(nil, ClientConfig{DialTimeout: 100 * time.Millisecond}, logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dead := cluster.NodeID{Name: "dead", Addr: "127.0.0.1:1", Generation: "gen"}
	_, err := client.Ping(ctx, dead)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	node := startNode(t, "a")
	_, err := node.cat.CreateLocal("docs")
	require.NoError(t, err)

	client := NewClient(nil, ClientConfig{}, logger)
	defer client.Close()

	reply, err := client.Ping(context.Background(), node.id("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", reply.Node)
	assert.Equal(t, []string{"docs"}, reply.Indexes)
}

package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/ingest"
)

// AddrResolver maps a node identity to its advertised request endpoint. The
// membership tracker implements it.
type AddrResolver interface {
	Lookup(node cluster.NodeID) (cluster.MemberInfo, bool)
}

// ClientConfig tunes dialing and pooling.
type ClientConfig struct {
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// MaxIdlePerPeer caps pooled idle connections per peer address.
	MaxIdlePerPeer int
}

func (c *ClientConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
	if c.MaxIdlePerPeer <= 0 {
		c.MaxIdlePerPeer = 4
	}
}

// Client dials peers on demand and pools idle connections per address. It
// implements the ingest forwarder and the search remote dispatcher.
type Client struct {
	resolver AddrResolver
	logger   logrus.FieldLogger
	cfg      ClientConfig

	mu   sync.Mutex
	pool map[string]chan *rpc.Client
}

// NewClient builds a pooled client. A nil resolver falls back to each node's
// directory address.
func NewClient(resolver AddrResolver, cfg ClientConfig, logger logrus.FieldLogger) *Client {
	cfg.applyDefaults()
	return &Client{
		resolver: resolver,
		logger:   logger,
		cfg:      cfg,
		pool:     make(map[string]chan *rpc.Client),
	}
}

// ForwardBatch implements ingest.Forwarder.
func (c *Client) ForwardBatch(ctx context.Context, node cluster.NodeID, index string, ops []ingest.Operation) (ingest.BatchResult, error) {
	args := &SubmitBatchArgs{Index: index, Ops: ops}
	var reply SubmitBatchReply
	if err := c.call(ctx, node, "Node.SubmitBatch", args, &reply); err != nil {
		return ingest.BatchResult{}, err
	}
	return reply.Result, decodeError(reply.ErrCode, reply.ErrMsg)
}

// SearchRemote implements search.RemoteSearcher.
func (c *Client) SearchRemote(ctx context.Context, node cluster.NodeID, index string, req engine.Request, k int) ([]engine.ScoredHit, error) {
	args := &SearchArgs{Index: index, Req: req, K: k}
	var reply SearchReply
	if err := c.call(ctx, node, "Node.Search", args, &reply); err != nil {
		return nil, err
	}
	if err := decodeError(reply.ErrCode, reply.ErrMsg); err != nil {
		return nil, err
	}
	return reply.Hits, nil
}

// Ping probes a peer's liveness.
func (c *Client) Ping(ctx context.Context, node cluster.NodeID) (PingReply, error) {
	var reply PingReply
	err := c.call(ctx, node, "Node.Ping", &PingArgs{}, &reply)
	return reply, err
}

func (c *Client) addr(node cluster.NodeID) string {
	if c.resolver != nil {
		if info, ok := c.resolver.Lookup(node); ok && info.Meta.RPCAddr != "" {
			return info.Meta.RPCAddr
		}
	}
	return node.Addr
}

// call runs one RPC bounded by ctx. A timed-out or failed connection is
// discarded; healthy ones return to the pool.
func (c *Client) call(ctx context.Context, node cluster.NodeID, method string, args, reply any) error {
	addr := c.addr(node)
	cl, err := c.get(addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", node.String())
	}
	call := cl.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		cl.Close()
		return ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			cl.Close()
			return errors.Wrapf(done.Error, "%s on %s", method, node.String())
		}
		c.put(addr, cl)
		return nil
	}
}

func (c *Client) get(addr string) (*rpc.Client, error) {
	c.mu.Lock()
	pool, ok := c.pool[addr]
	if !ok {
		pool = make(chan *rpc.Client, c.cfg.MaxIdlePerPeer)
		c.pool[addr] = pool
	}
	c.mu.Unlock()

	select {
	case cl := <-pool:
		return cl, nil
	default:
		conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		return jsonrpc.NewClient(conn), nil
	}
}

func (c *Client) put(addr string, cl *rpc.Client) {
	c.mu.Lock()
	pool := c.pool[addr]
	c.mu.Unlock()
	select {
	case pool <- cl:
	default:
		cl.Close()
	}
}

// Close drops every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.pool {
		for {
			select {
			case cl := <-pool:
				cl.Close()
				continue
			default:
			}
			break
		}
	}
	c.pool = make(map[string]chan *rpc.Client)
}

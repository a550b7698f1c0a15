package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/ingest"
)

// Node is the RPC receiver peers call. Forwarded batches apply local-only so
// they never fan out again; sub-queries run against the local handle and the
// originating router does the merging.
type Node struct {
	cat      *catalog.Catalog
	pipeline *ingest.Pipeline
	name     string
}

// SubmitBatch applies a forwarded batch to this node's copy of the index.
func (n *Node) SubmitBatch(args *SubmitBatchArgs, reply *SubmitBatchReply) error {
	res, err := n.pipeline.SubmitLocal(context.Background(), args.Index, args.Ops)
	reply.Result = res
	reply.ErrCode, reply.ErrMsg = encodeError(err)
	return nil
}

// Search evaluates a sub-query against the local handle.
func (n *Node) Search(args *SearchArgs, reply *SearchReply) error {
	entry := n.cat.Resolve(args.Index)
	if entry.Kind != catalog.EntryLocal {
		reply.ErrCode, reply.ErrMsg = encodeError(errors.Wrap(catalog.ErrNotFound, args.Index))
		return nil
	}
	hits, err := entry.Local.Search(context.Background(), args.Req, args.K)
	reply.Hits = hits
	reply.ErrCode, reply.ErrMsg = encodeError(err)
	return nil
}

// Ping answers liveness probes with the hosted index list.
func (n *Node) Ping(_ *PingArgs, reply *PingReply) error {
	reply.Node = n.name
	reply.Indexes = n.cat.LocalNames()
	return nil
}

// Server accepts peer connections and serves the Node receiver.
type Server struct {
	logger   logrus.FieldLogger
	listener net.Listener
	rpc      *rpc.Server

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer registers the receiver and starts listening on addr.
func NewServer(addr, nodeName string, cat *catalog.Catalog, pipeline *ingest.Pipeline, logger logrus.FieldLogger) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Node", &Node{cat: cat, pipeline: pipeline, name: nodeName}); err != nil {
		return nil, errors.Wrap(err, "register rpc receiver")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	s := &Server{logger: logger, listener: ln, rpc: srv}
	s.wg.Add(1)
	go s.acceptLoop()
	logger.WithField("addr", ln.Addr().String()).Info("rpc server listening")
	return s, nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.WithError(err).Warn("rpc accept failed")
			}
			return
		}
		// Connection goroutines are not awaited on Close: pooled client
		// connections stay open across calls and would stall shutdown.
		go s.rpc.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

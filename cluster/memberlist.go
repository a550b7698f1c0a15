package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/json"
)

// GossipConfig configures the memberlist-backed directory.
type GossipConfig struct {
	// NodeName is the cluster-wide unique member name.
	NodeName string
	// BindAddr and BindPort carry the gossip listener. Zero values keep the
	// memberlist defaults.
	BindAddr string
	BindPort int
	// Join is a comma-separated list of seed addresses. Empty means this
	// node starts a new cluster.
	Join string
	// PushTimeout bounds metadata re-broadcasts.
	PushTimeout time.Duration
}

// GossipDirectory implements Directory over hashicorp/memberlist. Node
// metadata rides along with gossip, so every member learns which indices its
// peers host without a separate channel.
type GossipDirectory struct {
	cfg    GossipConfig
	logger logrus.FieldLogger
	list   *memberlist.Memberlist
	self   NodeID

	metaMu sync.RWMutex
	meta   Metadata

	events chan Event
	closed chan struct{}
}

// NewGossipDirectory creates the gossip listener. The node appears to peers
// once Register publishes its metadata.
func NewGossipDirectory(cfg GossipConfig, logger logrus.FieldLogger) (*GossipDirectory, error) {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	d := &GossipDirectory{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}

	mcfg := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mcfg.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		mcfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mcfg.BindPort = cfg.BindPort
	}
	mcfg.LogOutput = logWriter{logger: logger}
	mcfg.Delegate = (*gossipDelegate)(d)
	mcfg.Events = (*gossipEvents)(d)

	list, err := memberlist.Create(mcfg)
	if err != nil {
		return nil, errors.Wrap(err, "create member list")
	}
	d.list = list

	local := list.LocalNode()
	d.self = NodeID{
		Name: local.Name,
		Addr: fmt.Sprintf("%s:%d", local.Addr.String(), local.Port),
	}
	return d, nil
}

func (d *GossipDirectory) Register(_ context.Context, meta Metadata) error {
	d.metaMu.Lock()
	d.meta = meta
	d.metaMu.Unlock()
	d.self.Generation = meta.Generation

	if d.cfg.Join != "" {
		addrs := strings.Split(d.cfg.Join, ",")
		if _, err := d.list.Join(addrs); err != nil {
			return errors.Wrap(err, "join cluster")
		}
	}
	return d.list.UpdateNode(d.cfg.PushTimeout)
}

func (d *GossipDirectory) Deregister(context.Context) error {
	return d.list.Leave(d.cfg.PushTimeout)
}

func (d *GossipDirectory) SetMetadata(meta Metadata) error {
	d.metaMu.Lock()
	d.meta = meta
	d.metaMu.Unlock()
	return d.list.UpdateNode(d.cfg.PushTimeout)
}

func (d *GossipDirectory) Self() NodeID { return d.self }

func (d *GossipDirectory) Members() ([]MemberInfo, error) {
	nodes := d.list.Members()
	out := make([]MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberInfo(n))
	}
	return out, nil
}

func (d *GossipDirectory) Events() <-chan Event { return d.events }

func (d *GossipDirectory) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)
	return d.list.Shutdown()
}

// HealthScore exposes memberlist's local health estimate; zero is healthy.
func (d *GossipDirectory) HealthScore() int { return d.list.GetHealthScore() }

func (d *GossipDirectory) emit(ev Event) {
	select {
	case <-d.closed:
	case d.events <- ev:
	default:
		// A slow consumer drops events; the tracker's periodic poll
		// reconciles anything missed here.
		d.logger.Warn("membership event dropped")
	}
}

func memberInfo(n *memberlist.Node) MemberInfo {
	info := MemberInfo{
		ID: NodeID{Name: n.Name, Addr: fmt.Sprintf("%s:%d", n.Addr.String(), n.Port)},
	}
	if len(n.Meta) > 0 {
		if err := json.Unmarshal(n.Meta, &info.Meta); err == nil {
			info.ID.Generation = info.Meta.Generation
		}
	}
	return info
}

// gossipDelegate feeds this node's metadata into gossip.
type gossipDelegate GossipDirectory

func (g *gossipDelegate) NodeMeta(limit int) []byte {
	g.metaMu.RLock()
	meta := g.meta
	g.metaMu.RUnlock()
	payload, err := json.Marshal(meta)
	if err != nil {
		g.logger.WithError(err).Error("marshal node metadata")
		return nil
	}
	if len(payload) > limit {
		g.logger.WithField("size", len(payload)).WithField("limit", limit).
			Error("node metadata exceeds gossip limit, hosted index list truncated from gossip")
		return nil
	}
	return payload
}

func (g *gossipDelegate) NotifyMsg([]byte)                {}
func (g *gossipDelegate) GetBroadcasts(_, _ int) [][]byte { return nil }
func (g *gossipDelegate) LocalState(bool) []byte          { return nil }
func (g *gossipDelegate) MergeRemoteState([]byte, bool)   {}

// gossipEvents converts memberlist callbacks into directory events.
type gossipEvents GossipDirectory

func (g *gossipEvents) NotifyJoin(n *memberlist.Node) {
	(*GossipDirectory)(g).emit(Event{Type: EventJoin, Member: memberInfo(n)})
}

func (g *gossipEvents) NotifyLeave(n *memberlist.Node) {
	(*GossipDirectory)(g).emit(Event{Type: EventLeave, Member: memberInfo(n)})
}

func (g *gossipEvents) NotifyUpdate(n *memberlist.Node) {
	(*GossipDirectory)(g).emit(Event{Type: EventUpdate, Member: memberInfo(n)})
}

// logWriter routes memberlist's internal log lines through logrus.
type logWriter struct {
	logger logrus.FieldLogger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.WithField("component", "memberlist").Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}

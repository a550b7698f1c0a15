package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/metrics"
)

// PlacementSink receives placement updates derived from membership. The
// catalog implements it; the tracker is its only writer.
type PlacementSink interface {
	SetRemote(name string, owners []NodeID)
	PruneOwner(node NodeID)
}

// TrackerConfig tunes liveness detection.
type TrackerConfig struct {
	// PollInterval is the directory reconciliation period.
	PollInterval time.Duration
	// SuspectAfter is how many consecutive polls a member may be missing
	// before it turns Suspect.
	SuspectAfter int
	// DepartGrace is how long a Suspect member may stay silent before it is
	// declared Departed and pruned from placement.
	DepartGrace time.Duration
}

func (c *TrackerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 3
	}
	if c.DepartGrace <= 0 {
		c.DepartGrace = 30 * time.Second
	}
}

type memberState struct {
	info      MemberInfo
	state     NodeState
	missed    int
	suspectAt time.Time
	lastSeen  time.Time
}

// MemberStatus is a read-only view of one tracked member.
type MemberStatus struct {
	Info  MemberInfo
	State NodeState
}

// Tracker maintains the liveness state machine for every known member and
// keeps the catalog's placement entries in sync with it. It runs in the
// background, independent of any request.
type Tracker struct {
	dir    Directory
	sink   PlacementSink
	logger logrus.FieldLogger
	cfg    TrackerConfig
	met    *metrics.Metrics

	mu        sync.RWMutex
	members   map[string]*memberState
	published map[string]struct{}
	selfMeta  Metadata
	selfState NodeState
	degraded  bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerMetrics wires the cluster member gauge.
func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.met = m }
}

// NewTracker wires a directory to a placement sink.
func NewTracker(dir Directory, sink PlacementSink, cfg TrackerConfig, logger logrus.FieldLogger, opts ...TrackerOption) *Tracker {
	cfg.applyDefaults()
	t := &Tracker{
		dir:       dir,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		members:   make(map[string]*memberState),
		published: make(map[string]struct{}),
		selfState: StateJoining,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join registers this node with the directory in the Joining state. The node
// must not advertise itself as Live until its catalog bootstrap finished.
func (t *Tracker) Join(ctx context.Context, meta Metadata) error {
	t.mu.Lock()
	t.selfMeta = meta
	t.selfState = StateJoining
	t.mu.Unlock()
	return t.dir.Register(ctx, meta)
}

// Start transitions this node to Live and begins the reconciliation loop.
// Call it only after every pre-existing local index reopened successfully.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.selfState = StateLive
	t.mu.Unlock()
	go t.run()
}

// Stop deregisters from the directory and halts the loop. Deregistration
// happens before local handles close so peers stop routing here first.
func (t *Tracker) Stop(ctx context.Context) error {
	var err error
	t.stopOnce.Do(func() {
		err = t.dir.Deregister(ctx)
		close(t.stop)
		<-t.done
	})
	return err
}

// PublishOwnership advertises the current set of locally hosted indices.
// Implements the catalog's ownership publisher.
func (t *Tracker) PublishOwnership(indexes []string) error {
	t.mu.Lock()
	t.selfMeta.Indexes = indexes
	meta := t.selfMeta
	t.mu.Unlock()
	return t.dir.SetMetadata(meta)
}

// Self reports this node's identity.
func (t *Tracker) Self() NodeID { return t.dir.Self() }

// HealthScore surfaces the directory's local health estimate when the
// backing directory keeps one (gossip does, a static directory does not).
// Zero is healthy; higher values mean the local node is struggling to keep
// up with the gossip protocol.
func (t *Tracker) HealthScore() (int, bool) {
	if hs, ok := t.dir.(interface{ HealthScore() int }); ok {
		return hs.HealthScore(), true
	}
	return 0, false
}

// SelfState reports where this node is in its own lifecycle.
func (t *Tracker) SelfState() NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selfState
}

// Degraded reports whether the directory is currently unreachable and the
// tracker is serving a stale membership snapshot.
func (t *Tracker) Degraded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.degraded
}

// Members lists every tracked peer with its liveness state.
func (t *Tracker) Members() []MemberStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MemberStatus, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, MemberStatus{Info: m.info, State: m.state})
	}
	return out
}

// Lookup resolves a node id to its advertised metadata, used to find the
// request endpoint of a remote owner.
func (t *Tracker) Lookup(node NodeID) (MemberInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[node.Name]
	if !ok {
		return MemberInfo{}, false
	}
	return m.info, true
}

func (t *Tracker) run() {
	defer close(t.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.PollInterval
	bo.MaxInterval = 10 * t.cfg.PollInterval
	bo.MaxElapsedTime = 0

	events := t.dir.Events()
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()

	t.poll(bo, timer)
	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.handleEvent(ev)
		case <-timer.C:
			t.poll(bo, timer)
		}
	}
}

// poll reconciles the tracked member set against a directory listing. On
// directory failure the last-known snapshot keeps serving and the next
// attempt backs off exponentially.
func (t *Tracker) poll(bo *backoff.ExponentialBackOff, timer *time.Timer) {
	listing, err := t.dir.Members()
	if err != nil {
		t.mu.Lock()
		wasDegraded := t.degraded
		t.degraded = true
		t.mu.Unlock()
		delay := bo.NextBackOff()
		if !wasDegraded {
			t.logger.WithError(err).WithField("retry_in", delay).
				Warn("directory unreachable, serving stale membership")
		}
		timer.Reset(delay)
		return
	}
	t.mu.Lock()
	if t.degraded {
		t.degraded = false
		t.logger.Info("directory contact restored")
	}
	bo.Reset()
	t.reconcileLocked(listing)
	t.mu.Unlock()
	timer.Reset(t.cfg.PollInterval)
}

func (t *Tracker) handleEvent(ev Event) {
	if ev.Member.ID.Name == t.dir.Self().Name {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case EventJoin, EventUpdate:
		t.upsertLocked(ev.Member)
	case EventLeave:
		// The directory confirmed the departure, no grace period needed.
		t.departLocked(ev.Member.ID.Name)
	}
	t.recomputePlacementLocked()
}

func (t *Tracker) reconcileLocked(listing []MemberInfo) {
	now := time.Now()
	seen := make(map[string]struct{}, len(listing))
	for _, info := range listing {
		if info.ID.Name == t.dir.Self().Name {
			continue
		}
		seen[info.ID.Name] = struct{}{}
		t.upsertLocked(info)
	}
	for name, m := range t.members {
		if _, ok := seen[name]; ok {
			continue
		}
		m.missed++
		switch m.state {
		case StateJoining, StateLive:
			if m.missed >= t.cfg.SuspectAfter {
				m.state = StateSuspect
				m.suspectAt = now
				t.logger.WithField("node", m.info.ID.String()).Warn("member suspect")
			}
		case StateSuspect:
			if now.Sub(m.suspectAt) >= t.cfg.DepartGrace {
				t.departLocked(name)
			}
		}
	}
	t.recomputePlacementLocked()
}

func (t *Tracker) upsertLocked(info MemberInfo) {
	m, ok := t.members[info.ID.Name]
	if !ok {
		m = &memberState{state: StateJoining}
		t.members[info.ID.Name] = m
		t.logger.WithField("node", info.ID.String()).Info("member joined")
	}
	if m.state == StateSuspect {
		t.logger.WithField("node", info.ID.String()).Info("suspect member recovered")
	}
	m.info = info
	m.state = StateLive
	m.missed = 0
	m.lastSeen = time.Now()
}

func (t *Tracker) departLocked(name string) {
	m, ok := t.members[name]
	if !ok {
		return
	}
	delete(t.members, name)
	t.sink.PruneOwner(m.info.ID)
	t.logger.WithField("node", m.info.ID.String()).Info("member departed")
}

// recomputePlacementLocked rebuilds the index-to-owners view from routable
// members and pushes it to the sink. Suspect members stay routable until the
// grace deadline actually declares them gone.
func (t *Tracker) recomputePlacementLocked() {
	placement := make(map[string][]NodeID)
	routable := 0
	for _, m := range t.members {
		if m.state != StateLive && m.state != StateSuspect {
			continue
		}
		routable++
		for _, name := range m.info.Meta.Indexes {
			placement[name] = append(placement[name], m.info.ID)
		}
	}
	t.met.SetMembers(routable)
	for name, owners := range placement {
		t.sink.SetRemote(name, owners)
	}
	for name := range t.published {
		if _, ok := placement[name]; !ok {
			t.sink.SetRemote(name, nil)
		}
	}
	t.published = make(map[string]struct{}, len(placement))
	for name := range placement {
		t.published[name] = struct{}{}
	}
}

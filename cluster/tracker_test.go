package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/searchd/metrics"
)

type fakeDirectory struct {
	mu       sync.Mutex
	self     NodeID
	meta     Metadata
	members  []MemberInfo
	failList bool
	events   chan Event
}

func newFakeDirectory(self NodeID) *fakeDirectory {
	return &fakeDirectory{self: self, events: make(chan Event, 16)}
}

func (d *fakeDirectory) Register(_ context.Context, meta Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta = meta
	return nil
}

func (d *fakeDirectory) Deregister(context.Context) error { return nil }

func (d *fakeDirectory) SetMetadata(meta Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta = meta
	return nil
}

func (d *fakeDirectory) Self() NodeID { return d.self }

func (d *fakeDirectory) Members() ([]MemberInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failList {
		return nil, errors.New("directory unreachable")
	}
	out := make([]MemberInfo, len(d.members))
	copy(out, d.members)
	return out, nil
}

func (d *fakeDirectory) Events() <-chan Event { return d.events }
func (d *fakeDirectory) Close() error         { return nil }

func (d *fakeDirectory) setMembers(members ...MemberInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = members
}

func (d *fakeDirectory) setFailing(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failList = fail
}

type fakeSink struct {
	mu     sync.Mutex
	remote map[string][]NodeID
	pruned []NodeID
}

func newFakeSink() *fakeSink {
	return &fakeSink{remote: make(map[string][]NodeID)}
}

func (s *fakeSink) SetRemote(name string, owners []NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(owners) == 0 {
		delete(s.remote, name)
		return
	}
	s.remote[name] = owners
}

func (s *fakeSink) PruneOwner(node NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, node)
	for name, owners := range s.remote {
		kept := owners[:0]
		for _, o := range owners {
			if o != node {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(s.remote, name)
		} else {
			s.remote[name] = kept
		}
	}
}

func (s *fakeSink) owners(name string) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NodeID(nil), s.remote[name]...)
}

func peer(name string, indexes ...string) MemberInfo {
	return MemberInfo{
		ID: NodeID{Name: name, Addr: name + ":7946", Generation: "gen-" + name},
		Meta: Metadata{
			Generation: "gen-" + name,
			RPCAddr:    name + ":4001",
			Indexes:    indexes,
		},
	}
}

func testTracker(t *testing.T, dir Directory, sink PlacementSink, cfg TrackerConfig) *Tracker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewTracker(dir, sink, cfg, logger)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestTrackerLifecycle(t *testing.T) {
	self := NodeID{Name: "self", Addr: "self:7946", Generation: "gen-self"}
	dir := newFakeDirectory(self)
	sink := newFakeSink()
	tr := testTracker(t, dir, sink, TrackerConfig{PollInterval: 10 * time.Millisecond})

	require.NoError(t, tr.Join(context.Background(), Metadata{Generation: "gen-self", RPCAddr: "self:4001"}))
	assert.Equal(t, StateJoining, tr.SelfState())

	tr.Start()
	defer tr.Stop(context.Background())
	assert.Equal(t, StateLive, tr.SelfState())

	dir.setMembers(peer("a", "orders"), peer("b", "orders", "billing"))
	eventually(t, func() bool { return len(sink.owners("orders")) == 2 }, "both owners tracked")
	eventually(t, func() bool { return len(sink.owners("billing")) == 1 }, "single owner tracked")

	info, ok := tr.Lookup(NodeID{Name: "a"})
	require.True(t, ok)
	assert.Equal(t, "a:4001", info.Meta.RPCAddr)
}

func TestTrackerSuspectThenDeparted(t *testing.T) {
	dir := newFakeDirectory(NodeID{Name: "self"})
	sink := newFakeSink()
	tr := testTracker(t, dir, sink, TrackerConfig{
		PollInterval: 10 * time.Millisecond,
		SuspectAfter: 2,
		DepartGrace:  200 * time.Millisecond,
	})
	require.NoError(t, tr.Join(context.Background(), Metadata{}))
	tr.Start()
	defer tr.Stop(context.Background())

	dir.setMembers(peer("a", "orders"))
	eventually(t, func() bool { return len(sink.owners("orders")) == 1 }, "owner appears")

	// The member vanishes from directory listings: Suspect first, and it
	// stays routable through the grace period.
	dir.setMembers()
	eventually(t, func() bool {
		for _, m := range tr.Members() {
			if m.Info.ID.Name == "a" {
				return m.State == StateSuspect
			}
		}
		return false
	}, "member turns suspect")
	assert.Len(t, sink.owners("orders"), 1, "suspect members stay routable")

	eventually(t, func() bool { return len(sink.owners("orders")) == 0 }, "departed member pruned")
	assert.Empty(t, tr.Members())
}

func TestTrackerSuspectRecovers(t *testing.T) {
	dir := newFakeDirectory(NodeID{Name: "self"})
	sink := newFakeSink()
	tr := testTracker(t, dir, sink, TrackerConfig{
		PollInterval: 10 * time.Millisecond,
		SuspectAfter: 2,
		DepartGrace:  10 * time.Second,
	})
	require.NoError(t, tr.Join(context.Background(), Metadata{}))
	tr.Start()
	defer tr.Stop(context.Background())

	dir.setMembers(peer("a", "orders"))
	eventually(t, func() bool { return len(sink.owners("orders")) == 1 }, "owner appears")

	dir.setMembers()
	eventually(t, func() bool {
		members := tr.Members()
		return len(members) == 1 && members[0].State == StateSuspect
	}, "member turns suspect")

	dir.setMembers(peer("a", "orders"))
	eventually(t, func() bool {
		members := tr.Members()
		return len(members) == 1 && members[0].State == StateLive
	}, "suspect recovers to live before the grace deadline")
	assert.Len(t, sink.owners("orders"), 1)
}

func TestTrackerLeaveEventPrunesImmediately(t *testing.T) {
	dir := newFakeDirectory(NodeID{Name: "self"})
	sink := newFakeSink()
	tr := testTracker(t, dir, sink, TrackerConfig{PollInterval: time.Hour})
	require.NoError(t, tr.Join(context.Background(), Metadata{}))
	tr.Start()
	defer tr.Stop(context.Background())

	member := peer("a", "orders")
	dir.events <- Event{Type: EventJoin, Member: member}
	eventually(t, func() bool { return len(sink.owners("orders")) == 1 }, "join event adds owner")

	dir.events <- Event{Type: EventLeave, Member: member}
	eventually(t, func() bool { return len(sink.owners("orders")) == 0 }, "leave event prunes owner")
}

func TestTrackerServesStaleSnapshotWhenDirectoryFails(t *testing.T) {
	dir := newFakeDirectory(NodeID{Name: "self"})
	sink := newFakeSink()
	tr := testTracker(t, dir, sink, TrackerConfig{
		PollInterval: 10 * time.Millisecond,
		SuspectAfter: 1000,
	})
	require.NoError(t, tr.Join(context.Background(), Metadata{}))
	tr.Start()
	defer tr.Stop(context.Background())

	dir.setMembers(peer("a", "orders"))
	eventually(t, func() bool { return len(sink.owners("orders")) == 1 }, "owner appears")

	dir.setFailing(true)
	eventually(t, func() bool { return tr.Degraded() }, "tracker reports degraded mode")
	assert.Len(t, sink.owners("orders"), 1, "stale placement keeps serving")

	dir.setFailing(false)
	eventually(t, func() bool { return !tr.Degraded() }, "recovery clears degraded mode")
}

func TestTrackerUpdatesMemberGauge(t *testing.T) {
	dir := newFakeDirectory(NodeID{Name: "self"})
	sink := newFakeSink()
	met := metrics.New()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	tr := NewTracker(dir, sink, TrackerConfig{
		PollInterval: 10 * time.Millisecond,
		SuspectAfter: 1000,
	}, logger, WithTrackerMetrics(met))
	require.NoError(t, tr.Join(context.Background(), Metadata{}))
	tr.Start()
	defer tr.Stop(context.Background())

	dir.setMembers(peer("a", "orders"), peer("b"))
	eventually(t, func() bool {
		return testutil.ToFloat64(met.MembersTracked) == 2
	}, "gauge counts routable peers")

	dir.events <- Event{Type: EventLeave, Member: peer("b")}
	eventually(t, func() bool {
		return testutil.ToFloat64(met.MembersTracked) == 1
	}, "gauge tracks departures")
}

type scoringDirectory struct {
	*fakeDirectory
	score int
}

func (d *scoringDirectory) HealthScore() int { return d.score }

func TestTrackerHealthScore(t *testing.T) {
	plain := testTracker(t, newFakeDirectory(NodeID{Name: "self"}), newFakeSink(), TrackerConfig{})
	_, ok := plain.HealthScore()
	assert.False(t, ok, "a directory without a health estimate reports none")

	scored := testTracker(t, &scoringDirectory{
		fakeDirectory: newFakeDirectory(NodeID{Name: "self"}),
		score:         3,
	}, newFakeSink(), TrackerConfig{})
	score, ok := scored.HealthScore()
	require.True(t, ok)
	assert.Equal(t, 3, score)
}

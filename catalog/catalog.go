package catalog

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
)

// EntryKind tags where an index lives.
type EntryKind int

const (
	// EntryUnknown means the name resolves to no known owner.
	EntryUnknown EntryKind = iota
	// EntryLocal means this node hosts the index.
	EntryLocal
	// EntryRemote means only other nodes host the index.
	EntryRemote
)

// Entry is the resolution of an index name at one observation point. A name
// is fully Local, fully Remote, or Unknown; never a half state.
type Entry struct {
	Kind   EntryKind
	Local  *Handle
	Owners []cluster.NodeID
}

// OwnershipPublisher advertises the set of indices this node hosts. The
// membership tracker implements it; a nil publisher means single-node mode.
type OwnershipPublisher interface {
	PublishOwnership(indexes []string) error
}

// DefaultDrainTimeout bounds how long a drop waits for in-flight operations.
const DefaultDrainTimeout = 10 * time.Second

// Catalog is the single source of truth for where every index lives. It
// exclusively owns all local handles; the membership tracker is the only
// writer of remote placement entries.
type Catalog struct {
	store        *engine.Store
	logger       logrus.FieldLogger
	publisher    OwnershipPublisher
	drainTimeout time.Duration

	mu     sync.RWMutex
	local  map[string]*Handle
	remote map[string][]cluster.NodeID
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithDrainTimeout bounds the in-flight drain performed by DropLocal.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Catalog) { c.drainTimeout = d }
}

// WithPublisher wires the membership tracker so ownership changes are
// advertised to the cluster.
func WithPublisher(p OwnershipPublisher) Option {
	return func(c *Catalog) { c.publisher = p }
}

// SetPublisher installs the ownership publisher after construction. The
// tracker is built around the catalog, so startup wires it here before any
// index is created or dropped. Not safe once requests are flowing.
func (c *Catalog) SetPublisher(p OwnershipPublisher) {
	c.publisher = p
}

// New creates an empty catalog over the given engine store.
func New(store *engine.Store, logger logrus.FieldLogger, opts ...Option) *Catalog {
	c := &Catalog{
		store:        store,
		logger:       logger,
		drainTimeout: DefaultDrainTimeout,
		local:        make(map[string]*Handle),
		remote:       make(map[string][]cluster.NodeID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap reopens every index found in the data directory. A corrupt index
// fails the bootstrap; the node must not advertise ownership it cannot serve.
func (c *Catalog) Bootstrap() error {
	names, err := c.store.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := c.OpenExisting(name); err != nil {
			return err
		}
	}
	if len(names) > 0 {
		c.logger.WithField("indexes", len(names)).Info("catalog bootstrapped")
		c.publishOwnership()
	}
	return nil
}

// Resolve returns the current entry for a name. It never blocks on network
// or engine I/O.
func (c *Catalog) Resolve(name string) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.local[name]; ok {
		return Entry{Kind: EntryLocal, Local: h}
	}
	if owners, ok := c.remote[name]; ok && len(owners) > 0 {
		out := make([]cluster.NodeID, len(owners))
		copy(out, owners)
		return Entry{Kind: EntryRemote, Owners: out}
	}
	return Entry{Kind: EntryUnknown}
}

// ResolveTargets returns the local handle (if this node hosts the index)
// together with every remote owner. Fan-out paths that must reach all
// replicas use this instead of Resolve.
func (c *Catalog) ResolveTargets(name string) (*Handle, []cluster.NodeID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var local *Handle
	if h, ok := c.local[name]; ok {
		local = h
	}
	owners := c.remote[name]
	if len(owners) == 0 {
		return local, nil
	}
	out := make([]cluster.NodeID, len(owners))
	copy(out, owners)
	return local, out
}

// CreateLocal creates a brand-new locally hosted index. Names are cluster
// unique, so a name already owned anywhere fails with ErrAlreadyExists.
func (c *Catalog) CreateLocal(name string, opts ...engine.Option) (*Handle, error) {
	c.mu.Lock()
	if _, ok := c.local[name]; ok {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrAlreadyExists, name)
	}
	if owners, ok := c.remote[name]; ok && len(owners) > 0 {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyExists, "%s (hosted remotely)", name)
	}
	idx, err := c.store.Create(name, opts...)
	if err != nil {
		c.mu.Unlock()
		// A snapshot left on disk by an earlier process is still a name
		// conflict, not an internal fault.
		if os.IsExist(errors.Cause(err)) {
			return nil, errors.Wrapf(ErrAlreadyExists, "%s (on disk)", name)
		}
		return nil, err
	}
	h := newHandle(idx)
	c.local[name] = h
	c.mu.Unlock()

	c.logger.WithField("index", name).Info("local index created")
	c.publishOwnership()
	return h, nil
}

// OpenExisting reopens a previously created local index, typically during
// bootstrap. A missing snapshot is ErrNotFound; an unreadable one is
// ErrCorruptIndex, surfaced rather than retried.
func (c *Catalog) OpenExisting(name string, opts ...engine.Option) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.local[name]; ok {
		c.mu.Unlock()
		return h, nil
	}
	idx, err := c.store.Open(name, opts...)
	if err != nil {
		c.mu.Unlock()
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, errors.Wrapf(ErrCorruptIndex, "%s: %v", name, err)
	}
	h := newHandle(idx)
	c.local[name] = h
	c.mu.Unlock()
	return h, nil
}

// DropLocal blocks new operations on the index, drains in-flight ones within
// the configured timeout, then destroys the handle and its on-disk state. On
// ErrDropTimeout the index remains fully usable and the drop may be retried.
func (c *Catalog) DropLocal(name string) error {
	c.mu.RLock()
	h, ok := c.local[name]
	c.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrNotFound, name)
	}

	if err := h.drain(c.drainTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.local, name)
	c.mu.Unlock()

	if err := c.store.Remove(name); err != nil {
		c.logger.WithError(err).WithField("index", name).Warn("remove index data")
	}
	c.logger.WithField("index", name).Info("local index dropped")
	c.publishOwnership()
	return nil
}

// LocalNames lists the indices this node hosts, sorted for stable output.
func (c *Catalog) LocalNames() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.local))
	for name := range c.local {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetRemote replaces the remote owner set of an index. An empty owner set
// removes the entry so the name degrades to Unknown. Only the membership
// tracker calls this.
func (c *Catalog) SetRemote(name string, owners []cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(owners) == 0 {
		delete(c.remote, name)
		return
	}
	set := make([]cluster.NodeID, len(owners))
	copy(set, owners)
	c.remote[name] = set
}

// PruneOwner drops a departed node from every placement entry. Entries left
// with no owner degrade to Unknown.
func (c *Catalog) PruneOwner(node cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, owners := range c.remote {
		kept := owners[:0]
		for _, o := range owners {
			if o != node {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(c.remote, name)
			c.logger.WithField("index", name).Warn("index left without a known owner")
		} else {
			c.remote[name] = kept
		}
	}
}

// Close drains and flushes every local handle. Called on clean shutdown,
// after the node has deregistered from the directory.
func (c *Catalog) Close() error {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.local))
	for _, h := range c.local {
		handles = append(handles, h)
	}
	c.local = make(map[string]*Handle)
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.drain(c.drainTimeout); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.WithError(err).WithField("index", h.Name()).Warn("drain on shutdown")
		}
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Catalog) publishOwnership() {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishOwnership(c.LocalNames()); err != nil {
		c.logger.WithError(err).Warn("publish index ownership")
	}
}

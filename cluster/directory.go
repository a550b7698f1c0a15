package cluster

import "context"

// Directory is the external coordination service a node registers with. It
// answers "who is in the cluster" and streams membership changes; each
// member advertises its metadata (request endpoint plus hosted indices)
// through it.
type Directory interface {
	// Register announces this node with its initial metadata.
	Register(ctx context.Context, meta Metadata) error
	// Deregister withdraws this node. Called before local handles close so
	// peers stop routing to a node that is about to go away.
	Deregister(ctx context.Context) error
	// SetMetadata republishes this node's metadata, typically after the set
	// of hosted indices changed.
	SetMetadata(meta Metadata) error
	// Self returns the identity this directory registered under.
	Self() NodeID
	// Members lists every currently known member, this node included.
	Members() ([]MemberInfo, error)
	// Events streams membership changes. The channel closes on Close.
	Events() <-chan Event
	// Close releases directory resources without deregistering.
	Close() error
}

// StaticDirectory is a directory for single-node deployments: the only
// member is the node itself and membership never changes.
type StaticDirectory struct {
	self   NodeID
	meta   Metadata
	events chan Event
}

// NewStaticDirectory builds a single-member directory.
func NewStaticDirectory(self NodeID) *StaticDirectory {
	return &StaticDirectory{self: self, events: make(chan Event)}
}

func (d *StaticDirectory) Register(_ context.Context, meta Metadata) error {
	d.meta = meta
	return nil
}

func (d *StaticDirectory) Deregister(context.Context) error { return nil }

func (d *StaticDirectory) SetMetadata(meta Metadata) error {
	d.meta = meta
	return nil
}

func (d *StaticDirectory) Self() NodeID { return d.self }

func (d *StaticDirectory) Members() ([]MemberInfo, error) {
	return []MemberInfo{{ID: d.self, Meta: d.meta}}, nil
}

func (d *StaticDirectory) Events() <-chan Event { return d.events }

func (d *StaticDirectory) Close() error {
	close(d.events)
	return nil
}

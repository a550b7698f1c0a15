package cluster

import "fmt"

// NodeID identifies one cluster member. Generation disambiguates restarts of
// the same process on the same address.
type NodeID struct {
	Name       string `json:"name"`
	Addr       string `json:"addr"`
	Generation string `json:"generation"`
}

func (n NodeID) String() string {
	return fmt.Sprintf("%s@%s#%s", n.Name, n.Addr, n.Generation)
}

// NodeState is the liveness classification of a known member.
type NodeState int

const (
	StateJoining NodeState = iota
	StateLive
	StateSuspect
	StateDeparted
)

func (s NodeState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateLive:
		return "live"
	case StateSuspect:
		return "suspect"
	case StateDeparted:
		return "departed"
	default:
		return "unknown"
	}
}

// Metadata is the payload a node advertises through the directory: where its
// request endpoint listens and which indices it hosts.
type Metadata struct {
	Generation string   `json:"generation"`
	RPCAddr    string   `json:"rpc_addr"`
	Indexes    []string `json:"indexes"`
}

// MemberInfo pairs a member identity with its advertised metadata.
type MemberInfo struct {
	ID   NodeID
	Meta Metadata
}

// EventType classifies a membership change.
type EventType int

const (
	EventJoin EventType = iota
	EventUpdate
	EventLeave
)

// Event is one membership change observed through the directory.
type Event struct {
	Type   EventType
	Member MemberInfo
}

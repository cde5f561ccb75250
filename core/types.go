// core/types.go – centralised struct/type definitions shared across the
// client-side storage protocol packages. Declares only data types, mirroring
// the teacher convention of keeping shared structs dependency-light so the
// rest of core/*.go can reference them without cyclic imports.
package core

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

// Address is a 256-bit content or owner-derived identifier. For a Chunk it is
// the hash of the ciphertext; for a mutable record it is derived from the
// owner public key, record kind and name (see addr_of_mutable in keys.go).
type Address [32]byte

func (a Address) String() string { return hexString(a[:]) }

// Hash is an alias used for plaintext/content digests produced during
// self-encryption; semantically identical to Address but kept distinct so
// call sites read clearly (a Hash is never looked up on the overlay).
type Hash [32]byte

func (h Hash) String() string { return hexString(h[:]) }

// NodeID identifies a peer on the overlay (the libp2p peer ID string).
type NodeID string

// Peer is a known overlay contact.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
}

// RecordKind tags the universe of stored values (§3.2).
type RecordKind uint8

const (
	KindChunk RecordKind = iota
	KindGraphEntry
	KindPointer
	KindScratchpad
	KindRegister
)

func (k RecordKind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindGraphEntry:
		return "graph_entry"
	case KindPointer:
		return "pointer"
	case KindScratchpad:
		return "scratchpad"
	case KindRegister:
		return "register"
	default:
		return "unknown"
	}
}

// Size bounds (§3.2).
const (
	MaxChunk      = 4 * 1024 * 1024 // 4 MiB
	MaxScratchpad = 4 * 1024 * 1024 // 4 MiB
)

// Quorum describes the agreement threshold required to accept a get result
// (§4.6). Exactly one of the named modes or N (positive) is meaningful.
type Quorum struct {
	Mode string // "one", "majority", "all", or "" when N > 0
	N    int
}

var (
	QuorumOne      = Quorum{Mode: "one"}
	QuorumMajority = Quorum{Mode: "majority"}
	QuorumAll      = Quorum{Mode: "all"}
)

// QuorumN requires exactly n matching copies.
func QuorumN(n int) Quorum { return Quorum{N: n} }

// NodeConfig configures the libp2p-backed overlay host (adapted from the
// teacher's Config used by NewNode).
type NodeConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node is a libp2p-backed overlay participant implementing the Overlay
// capability (core/overlay.go). Exported fields are intentionally absent;
// all interaction happens through methods so the concurrency invariants in
// §5 (no user-visible lock held across a suspension point) hold.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer

	handlerLock sync.RWMutex
	handlers    map[string]StreamHandler

	ctx    context.Context
	cancel context.CancelFunc
	cfg    NodeConfig
}

// StreamHandler processes a single request frame received over a
// point-to-point protocol stream and returns the response frame to write
// back (see overlay.go: SendRequest/PutRecord/GetRecord wire format).
type StreamHandler func(from NodeID, req []byte) (resp []byte, err error)

// Message is an item delivered from a pubsub subscription.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// NetworkMessage is a topic/content pair used by the in-process replication
// hook exercised by tests and by Node.Broadcast.
type NetworkMessage struct {
	Topic   string
	Content []byte
}

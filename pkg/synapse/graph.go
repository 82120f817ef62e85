package synapse

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeKind is one of the State Graph Node kinds (§3).
type NodeKind string

const (
	NodeKindAgent  NodeKind = "agent"
	NodeKindState  NodeKind = "state"
	NodeKindIntent NodeKind = "intent"
	NodeKindAction NodeKind = "action"
	NodeKindMemory NodeKind = "memory"
)

// EdgeKind is one of the State Graph Edge kinds (§3).
type EdgeKind string

const (
	EdgeKindOwns     EdgeKind = "owns"
	EdgeKindCaused   EdgeKind = "caused"
	EdgeKindRequires EdgeKind = "requires"
	EdgeKindRelates  EdgeKind = "relates"
	EdgeKindSimilar  EdgeKind = "similar"
)

// Node is one State Graph Node (§3). Payload is CRDT-managed scalar
// fields; Tags is an observed-remove set; UsageCount is a PN-counter.
// Embedding is opaque to the graph itself and consumed only by the
// vector index.
type Node struct {
	ID         string
	AgentID    string
	Kind       NodeKind
	CreatedAt  time.Time
	Embedding  []float32
	payload    *LWWValue
	tags       *ORSet
	usageCount *PNCounter
	clock      *VectorClock
	version    uint64

	mu sync.RWMutex
}

// NewNode constructs a fresh node owned by agentID, with version 0 and
// an empty vector clock.
func NewNode(kind NodeKind, agentID string) *Node {
	return &Node{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		payload:    &LWWValue{},
		tags:       NewORSet(),
		usageCount: NewPNCounter(),
		clock:      NewVectorClock(),
	}
}

// SetPayload applies a last-writer-wins write to the node's JSON
// payload, stamped by origin at timestamp. Returns true if it took
// effect (§4.4 "Scalar fields: last-writer-wins").
func (n *Node) SetPayload(payload json.RawMessage, timestamp time.Time, origin ReplicaID) bool {
	applied := n.payload.Set(payload, timestamp, origin)
	if applied {
		n.bumpVersion()
	}
	return applied
}

// Payload returns the current payload, or nil if never set.
func (n *Node) Payload() json.RawMessage {
	v := n.payload.Get()
	if v == nil {
		return nil
	}
	return v.(json.RawMessage)
}

// AddTag adds tag to the node's observed-remove tag set.
func (n *Node) AddTag(tag, opTag string) {
	n.tags.Add(tag, opTag)
	n.bumpVersion()
}

// RemoveTag removes every observed instance of tag.
func (n *Node) RemoveTag(tag string) {
	n.tags.Remove(tag)
	n.bumpVersion()
}

// Tags returns the surviving tag set.
func (n *Node) Tags() []string { return n.tags.Elements() }

// IncrementUsage adjusts the node's PN-counter usage field.
func (n *Node) IncrementUsage(replica ReplicaID, delta uint64) {
	n.usageCount.Increment(replica, delta)
	n.bumpVersion()
}

func (n *Node) DecrementUsage(replica ReplicaID, delta uint64) {
	n.usageCount.Decrement(replica, delta)
	n.bumpVersion()
}

// UsageCount returns the summed PN-counter value.
func (n *Node) UsageCount() int64 { return n.usageCount.Value() }

// Version returns the node's optimistic-concurrency version counter
// (§5 "writes that lose the race retry against the new version").
func (n *Node) Version() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

func (n *Node) bumpVersion() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.version++
}

// Clock returns the node's replication marker.
func (n *Node) Clock() *VectorClock { return n.clock }

// Merge folds other's CRDT state into n. Used both for incoming sync
// events and for anti-entropy snapshot exchange (§4.4).
func (n *Node) Merge(other *Node) {
	n.payload.Merge(other.payload)
	n.tags.Merge(other.tags)
	n.usageCount.Merge(other.usageCount)
	n.clock.Merge(other.clock)
	n.bumpVersion()
}

// Edge is one State Graph Edge (§3).
type Edge struct {
	ID       string
	Kind     EdgeKind
	SourceID string
	TargetID string
	Weight   float64
	Metadata map[string]string
}

var (
	// ErrNodeNotFound is returned when an edge references a node the
	// local replica has not yet received.
	ErrNodeNotFound = errors.New("synapse: referenced node not found")
	// ErrVersionConflict is returned by CompareAndSwap-style writers
	// when the optimistic version check fails.
	ErrVersionConflict = errors.New("synapse: node version conflict")
)

// Graph is one replica's view of the State Graph: a node store, an
// adjacency index by source node, and pending edges buffered until
// both endpoints exist (§3 "if not, the edge is buffered until they
// do").
type Graph struct {
	mu          sync.RWMutex
	nodes       map[string]*Node
	edgesBySrc  map[string][]*Edge
	pendingEdge []*Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		edgesBySrc: make(map[string][]*Edge),
	}
}

// PutNode inserts or merges a node. A node with an ID already present
// is merged (CRDT semantics); a brand-new ID is simply stored. Any
// pending edges that now have both endpoints are flushed into the
// adjacency index.
func (g *Graph) PutNode(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.nodes[n.ID]; ok {
		existing.Merge(n)
	} else {
		g.nodes[n.ID] = n
	}
	g.flushPendingLocked()
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// PutEdge installs an edge if both endpoints exist, otherwise buffers
// it (§3 edge invariant).
func (g *Graph) PutEdge(e *Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, srcOK := g.nodes[e.SourceID]; srcOK {
		if _, dstOK := g.nodes[e.TargetID]; dstOK {
			g.edgesBySrc[e.SourceID] = append(g.edgesBySrc[e.SourceID], e)
			return
		}
	}
	g.pendingEdge = append(g.pendingEdge, e)
}

func (g *Graph) flushPendingLocked() {
	if len(g.pendingEdge) == 0 {
		return
	}
	remaining := g.pendingEdge[:0]
	for _, e := range g.pendingEdge {
		_, srcOK := g.nodes[e.SourceID]
		_, dstOK := g.nodes[e.TargetID]
		if srcOK && dstOK {
			g.edgesBySrc[e.SourceID] = append(g.edgesBySrc[e.SourceID], e)
		} else {
			remaining = append(remaining, e)
		}
	}
	g.pendingEdge = remaining
}

// EdgesFrom returns every installed edge whose source is nodeID.
func (g *Graph) EdgesFrom(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Edge, len(g.edgesBySrc[nodeID]))
	copy(out, g.edgesBySrc[nodeID])
	return out
}

// PendingEdgeCount reports how many edges are still waiting on a
// missing endpoint -- used by tests and health checks.
func (g *Graph) PendingEdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pendingEdge)
}

// NodesByAgent returns every node owned by agentID.
func (g *Graph) NodesByAgent(agentID string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Node
	for _, n := range g.nodes {
		if n.AgentID == agentID {
			out = append(out, n)
		}
	}
	return out
}

// CompareAndSwapPayload applies a write only if the node is still at
// expectedVersion, implementing §5's "optimistic check-and-set" write
// path for state-graph nodes.
func (g *Graph) CompareAndSwapPayload(nodeID string, expectedVersion uint64, payload json.RawMessage, origin ReplicaID) error {
	n, ok := g.GetNode(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.Version() != expectedVersion {
		return ErrVersionConflict
	}
	n.SetPayload(payload, time.Now().UTC(), origin)
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

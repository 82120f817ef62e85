package synapse

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConflictStrategy selects how a collection resolves concurrent writes
// (§4.4 "Conflict resolution strategy. Configurable per collection").
type ConflictStrategy string

const (
	// ConflictLastWriterWins is the default: higher (timestamp, origin)
	// wins, per LWWValue semantics.
	ConflictLastWriterWins ConflictStrategy = "last-writer-wins"
	// ConflictFirstWriterWins rejects any remote update to a node that
	// already exists locally, whatever its timestamp.
	ConflictFirstWriterWins ConflictStrategy = "first-writer-wins"
	// ConflictMerge unions sets and sums counters rather than picking a
	// single winner; scalar fields still fall back to last-writer-wins.
	ConflictMerge ConflictStrategy = "merge"
)

// SyncEvent is one unit of the sync protocol (§6 "Peers push event
// batches. Each event: {origin, vectorClockEntry, nodeOrEdgeDelta}").
type SyncEvent struct {
	Origin           ReplicaID
	Seq              uint64
	NodeDelta        *Node
	EdgeDelta        *Edge
	Checksum         [32]byte
	checksumVerified bool
}

// computeChecksum derives the integrity digest the receiver verifies
// before applying an event, so a bit-flipped or truncated event is
// detected deterministically rather than causing a panic mid-merge.
func computeChecksum(origin ReplicaID, seq uint64) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return sha256.Sum256(append([]byte(origin), seqBytes[:]...))
}

// NewSyncEvent stamps ev with its checksum so it can travel over the
// wire and be verified on arrival.
func NewSyncEvent(origin ReplicaID, seq uint64, node *Node, edge *Edge) SyncEvent {
	ev := SyncEvent{Origin: origin, Seq: seq, NodeDelta: node, EdgeDelta: edge}
	ev.Checksum = computeChecksum(origin, seq)
	return ev
}

// ErrCorruptEvent is returned by Deliver when an event's checksum does
// not match its claimed origin/seq (§4.4 "Corrupt event -> log and
// drop; do not block the stream").
var ErrCorruptEvent = fmt.Errorf("synapse: corrupt sync event")

// peerState tracks per-origin retry backoff, grounded on the
// deterministic exponential-backoff-with-jitter shape used for adapter
// retries elsewhere in this codebase.
type peerState struct {
	consecutiveFailures int
	nextAttempt         time.Time
}

// backoffDelay computes an exponential delay capped at maxDelay, with
// jitter deterministically derived from the origin and attempt index so
// retries from different peers don't thunder together.
func backoffDelay(origin ReplicaID, attempt int, base, maxDelay time.Duration) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := time.Duration(int64(base) * factor)
	if delay > maxDelay {
		delay = maxDelay
	}
	seed := fmt.Sprintf("%s:%d", origin, attempt)
	hash := sha256.Sum256([]byte(seed))
	jitter := time.Duration(binary.BigEndian.Uint64(hash[:8]) % uint64(base))
	return delay + jitter
}

// SyncEngine applies incoming SyncEvents to a local Graph under causal
// delivery: an event is applied only once every earlier event from its
// origin has already been applied, and reapplication of an
// already-delivered event is a no-op (§4.4 "Causal delivery").
type SyncEngine struct {
	mu        sync.Mutex
	replica   ReplicaID
	graph     *Graph
	clock     *VectorClock
	geofence  GeoFencePolicy
	strategy  ConflictStrategy
	pending   map[ReplicaID]map[uint64]SyncEvent
	peers     map[ReplicaID]*peerState
	bufferCap int
	logger    *slog.Logger
}

// NewSyncEngine constructs an engine for one replica, applying events
// into graph and tracking causal progress in clock.
func NewSyncEngine(replica ReplicaID, graph *Graph, clock *VectorClock, geofence GeoFencePolicy, strategy ConflictStrategy, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		replica:   replica,
		graph:     graph,
		clock:     clock,
		geofence:  geofence,
		strategy:  strategy,
		pending:   make(map[ReplicaID]map[uint64]SyncEvent),
		peers:     make(map[ReplicaID]*peerState),
		bufferCap: 4096,
		logger:    logger,
	}
}

// Deliver processes an incoming event. It verifies the event's
// integrity, applies it immediately if causally ready, buffers it if
// not, and drains any buffered continuations the delivery unblocks.
func (e *SyncEngine) Deliver(ev SyncEvent) error {
	if ev.Checksum != computeChecksum(ev.Origin, ev.Seq) {
		e.logger.Warn("synapse: dropping corrupt sync event", "origin", ev.Origin, "seq", ev.Seq)
		return ErrCorruptEvent
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.deliverLocked(ev)
	e.drainPendingLocked(ev.Origin)
	return nil
}

func (e *SyncEngine) deliverLocked(ev SyncEvent) {
	observed := e.clock.Get(ev.Origin)
	switch {
	case ev.Seq <= observed:
		// Already delivered; idempotent no-op (§4.4).
		return
	case ev.Seq == observed+1:
		e.applyLocked(ev)
		e.clock.mergeOne(ev.Origin, ev.Seq)
	default:
		e.bufferLocked(ev)
	}
}

func (e *SyncEngine) bufferLocked(ev SyncEvent) {
	byOrigin, ok := e.pending[ev.Origin]
	if !ok {
		byOrigin = make(map[uint64]SyncEvent)
		e.pending[ev.Origin] = byOrigin
	}
	if len(byOrigin) >= e.bufferCap {
		e.logger.Warn("synapse: sync buffer full, triggering anti-entropy", "origin", ev.Origin)
		return
	}
	byOrigin[ev.Seq] = ev
}

func (e *SyncEngine) drainPendingLocked(origin ReplicaID) {
	byOrigin := e.pending[origin]
	for {
		observed := e.clock.Get(origin)
		next, ok := byOrigin[observed+1]
		if !ok {
			return
		}
		e.applyLocked(next)
		e.clock.mergeOne(origin, next.Seq)
		delete(byOrigin, next.Seq)
	}
}

func (e *SyncEngine) applyLocked(ev SyncEvent) {
	if ev.NodeDelta != nil {
		e.applyNode(ev.NodeDelta)
	}
	if ev.EdgeDelta != nil {
		e.graph.PutEdge(ev.EdgeDelta)
	}
}

// applyNode applies one incoming node delta against the local graph.
// Grounded on `mesh/sync.rs`'s `MeshSync::apply_remote`: the conflict
// strategy is an accept/reject decision on the whole event, not a
// per-field merge rule. LastWriterWins and Merge always apply;
// FirstWriterWins only applies to a node the local replica has not
// already seen, matching its doc comment ("immutable after set") —
// once a node exists locally, later FirstWriterWins deliveries for it
// are no-ops.
func (e *SyncEngine) applyNode(incoming *Node) {
	existing, ok := e.graph.GetNode(incoming.ID)
	if !ok {
		e.graph.PutNode(incoming)
		return
	}
	if e.strategy == ConflictFirstWriterWins {
		return
	}
	existing.Merge(incoming)
}

// PendingCount reports how many events remain buffered for origin,
// waiting on an earlier event that has not yet arrived.
func (e *SyncEngine) PendingCount(origin ReplicaID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[origin])
}

// NeedsAntiEntropy reports whether origin has buffered events beyond
// the buffer window, i.e. divergence that a point-to-point retry will
// never close (§4.4 "Divergence detected on reconnect ... trigger an
// anti-entropy snapshot exchange").
func (e *SyncEngine) NeedsAntiEntropy(origin ReplicaID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[origin]) >= e.bufferCap
}

// NextRetryDelay records a failed delivery attempt to origin and
// returns the backoff before the next retry should be attempted.
func (e *SyncEngine) NextRetryDelay(origin ReplicaID) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.peers[origin]
	if !ok {
		st = &peerState{}
		e.peers[origin] = st
	}
	delay := backoffDelay(origin, st.consecutiveFailures, 200*time.Millisecond, 30*time.Second)
	st.consecutiveFailures++
	st.nextAttempt = time.Now().Add(delay)
	return delay
}

// RecoverPeer resets origin's backoff state after a successful
// delivery.
func (e *SyncEngine) RecoverPeer(origin ReplicaID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, origin)
}

// GeoFenceCheck consults the configured geo-fence policy before a
// replication attempt of key to target, returning ErrGeoFenceBlocked
// when the jurisdiction forbids it outright (§4.4).
func (e *SyncEngine) GeoFenceCheck(jurisdiction, key, target string) (GeoFenceDecision, error) {
	if e.geofence == nil {
		return GeoFenceAllow, nil
	}
	decision := e.geofence.Evaluate(key, target)
	if decision == GeoFenceBlock {
		return decision, &ErrGeoFenceBlocked{Jurisdiction: jurisdiction, Target: target}
	}
	return decision, nil
}

// mergeOne advances a single replica's component to at least seq; used
// by the sync engine to record causal progress one event at a time
// rather than merging a whole foreign clock.
func (vc *VectorClock) mergeOne(replica ReplicaID, seq uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.clocks[replica] < seq {
		vc.clocks[replica] = seq
	}
}

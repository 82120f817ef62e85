package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// wireSyncEvent is the over-the-wire shape of a SyncEvent: Node and
// Edge deltas don't marshal directly since their CRDT fields are
// unexported, so a fan-out consumer rebuilds a Node/Edge from the
// exported view the same way RestoreInto does, relying
// on anti-entropy to reconcile anything this partial view drops.
type wireSyncEvent struct {
	Origin    ReplicaID       `json:"origin"`
	Seq       uint64          `json:"seq"`
	Checksum  [32]byte        `json:"checksum"`
	NodeID    string          `json:"node_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Kind      NodeKind        `json:"kind,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Usage     int64           `json:"usage,omitempty"`
	EdgeDelta *Edge           `json:"edge_delta,omitempty"`
}

func toWire(ev SyncEvent) wireSyncEvent {
	w := wireSyncEvent{Origin: ev.Origin, Seq: ev.Seq, Checksum: ev.Checksum, EdgeDelta: ev.EdgeDelta}
	if ev.NodeDelta != nil {
		n := ev.NodeDelta
		w.NodeID = n.ID
		w.AgentID = n.AgentID
		w.Kind = n.Kind
		w.CreatedAt = n.CreatedAt
		w.Payload = n.Payload()
		w.Tags = n.Tags()
		w.Usage = n.UsageCount()
	}
	return w
}

func fromWire(w wireSyncEvent) SyncEvent {
	ev := SyncEvent{Origin: w.Origin, Seq: w.Seq, Checksum: w.Checksum, EdgeDelta: w.EdgeDelta}
	if w.NodeID != "" {
		n := NewNode(w.Kind, w.AgentID)
		n.ID = w.NodeID
		n.CreatedAt = w.CreatedAt
		if w.Payload != nil {
			n.SetPayload(w.Payload, w.CreatedAt, w.Origin)
		}
		for _, tag := range w.Tags {
			n.AddTag(tag, fmt.Sprintf("%s:fanout:%d", w.Origin, w.Seq))
		}
		if w.Usage > 0 {
			n.IncrementUsage(w.Origin, uint64(w.Usage))
		}
		ev.NodeDelta = n
	}
	return ev
}

// RedisFanoutQueue is the bounded cross-process buffer sync events pass
// through in a clustered deployment: one replica's SyncEngine publishes
// every applied event here, and every other process sharing the same
// key (e.g. additional ingress replicas fronting the same replica's
// graph) drains it into their own in-memory SyncEngine. Bounded via
// LTRIM so a stalled consumer sheds its oldest events rather than
// growing Redis memory without limit, the same fail-bounded posture the
// token-bucket limiter takes toward admission.
type RedisFanoutQueue struct {
	client *redis.Client
	key    string
	cap    int64
	logger *slog.Logger
}

// NewRedisFanoutQueue returns a queue bounded to capacity entries.
func NewRedisFanoutQueue(client *redis.Client, key string, capacity int64, logger *slog.Logger) *RedisFanoutQueue {
	if key == "" {
		key = "synapse:fanout"
	}
	if capacity <= 0 {
		capacity = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanoutQueue{client: client, key: key, cap: capacity, logger: logger}
}

// Publish appends ev to the shared list and trims it to the configured
// capacity.
func (q *RedisFanoutQueue) Publish(ctx context.Context, ev SyncEvent) error {
	body, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("synapse: marshal sync event: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key, body)
	pipe.LTrim(ctx, q.key, -q.cap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("synapse: publish sync event: %w", err)
	}
	return nil
}

// Consume blocks (up to timeout) for the next queued event.
func (q *RedisFanoutQueue) Consume(ctx context.Context, timeout time.Duration) (SyncEvent, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return SyncEvent{}, false, nil
	}
	if err != nil {
		return SyncEvent{}, false, fmt.Errorf("synapse: consume sync event: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return SyncEvent{}, false, fmt.Errorf("synapse: unexpected BLPOP reply shape")
	}
	var w wireSyncEvent
	if err := json.Unmarshal([]byte(res[1]), &w); err != nil {
		return SyncEvent{}, false, fmt.Errorf("synapse: decode sync event: %w", err)
	}
	return fromWire(w), true, nil
}

// Run drains the queue into engine until ctx is cancelled, logging and
// continuing past any single event's delivery error (a corrupt or
// out-of-order event must not stall the rest of the stream, per the
// same posture SyncEngine.Deliver already takes for ErrCorruptEvent).
func (q *RedisFanoutQueue) Run(ctx context.Context, engine *SyncEngine) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ev, ok, err := q.Consume(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("fanout consume failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := engine.Deliver(ev); err != nil {
			q.logger.Warn("fanout deliver failed", "origin", ev.Origin, "seq", ev.Seq, "error", err)
		}
	}
}

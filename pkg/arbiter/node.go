package arbiter

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

func marshalCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Config configures one cluster member of the Coordination Engine.
type Config struct {
	NodeID      string
	BindAddr    string
	DataDir     string
	ShardCount  int
	Bootstrap   bool // true for the first node of a brand-new cluster
}

// Node is one replica of the replicated lock log: a Raft instance over
// LockFSM, fronted by a ShardPool implementing §4.3's thread-per-core
// execution model.
type Node struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *LockFSM
	shard *ShardPool
}

// NewNode wires a Raft instance the way cuemby-warren's Manager.Bootstrap
// does: TCP transport, file-backed snapshot store, and BoltDB-backed log
// and stable stores, tuned for sub-10s failover on a LAN/edge deployment.
func NewNode(cfg Config) (*Node, error) {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("arbiter: failed to create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to create stable store: %w", err)
	}

	fsm := NewLockFSM()
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		}}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("arbiter: failed to bootstrap cluster: %w", err)
		}
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm, shard: NewShardPool(cfg.ShardCount)}, nil
}

// Join adds voter at (id, addr) to the cluster. Must be called against
// the current leader.
func (n *Node) Join(id, addr string) error {
	if n.raft.State() != raft.Leader {
		return ErrRedirect
	}
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's bind address, or "" if none
// is known (used to build a "redirect" response, §4.3).
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// propose routes cmd through this resource's shard, stamps the apply
// time, and submits it to Raft, returning the FSM's ApplyResult.
func (n *Node) propose(cmd Command) (ApplyResult, error) {
	if n.raft.State() != raft.Leader {
		if n.LeaderAddr() == "" {
			return ApplyResult{}, ErrUnavailable
		}
		return ApplyResult{}, fmt.Errorf("%w: leader %s", ErrRedirect, n.LeaderAddr())
	}

	var result ApplyResult
	var proposeErr error
	n.shard.Submit(cmd.Resource, func() {
		cmd.AppliedAtUnixMillis = time.Now().UnixMilli()
		data, err := marshalCommand(cmd)
		if err != nil {
			proposeErr = err
			return
		}
		future := n.raft.Apply(data, 5*time.Second)
		if err := future.Error(); err != nil {
			proposeErr = fmt.Errorf("arbiter: apply failed: %w", err)
			return
		}
		if res, ok := future.Response().(ApplyResult); ok {
			result = res
		}
	})
	return result, proposeErr
}

// Acquire implements §4.3's acquire operation.
func (n *Node) Acquire(resource, agent string, priority int, ttl time.Duration) (ApplyResult, error) {
	res, err := n.propose(Command{Op: OpAcquire, Resource: resource, Agent: agent, Priority: priority, TTLMillis: ttl.Milliseconds()})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// Release implements §4.3's release operation.
func (n *Node) Release(resource, agent string) (ApplyResult, error) {
	res, err := n.propose(Command{Op: OpRelease, Resource: resource, Agent: agent})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// Heartbeat implements §4.3's heartbeat operation.
func (n *Node) Heartbeat(resource, agent string, ttl time.Duration) (ApplyResult, error) {
	res, err := n.propose(Command{Op: OpHeartbeat, Resource: resource, Agent: agent, TTLMillis: ttl.Milliseconds()})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// Query is a snapshot read through the locally-applied state; it never
// goes through Raft since a stale-but-monotonic read is acceptable for
// observation (§4.3 "snapshot read through the committed state").
func (n *Node) Query(resource string) *LockState {
	return n.fsm.Query(resource)
}

// Shutdown stops Raft and the shard pool.
func (n *Node) Shutdown() error {
	n.shard.Close()
	return n.raft.Shutdown().Error()
}

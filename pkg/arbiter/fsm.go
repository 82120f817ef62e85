package arbiter

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// LockFSM is the Raft finite state machine of §4.3: it applies
// Acquire/Release/Heartbeat commands to an in-memory lock table
// deterministically, identically on every replica. The only input to
// its decisions besides the table itself is the AppliedAtUnixMillis
// stamped into each Command -- never wall-clock time read locally.
type LockFSM struct {
	mu    sync.RWMutex
	locks map[string]*LockState
}

// NewLockFSM returns an empty FSM.
func NewLockFSM() *LockFSM {
	return &LockFSM{locks: make(map[string]*LockState)}
}

// Apply implements raft.FSM. It is invoked once per committed log
// entry, in log order, on every replica.
func (f *LockFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return ApplyResult{Err: fmt.Errorf("arbiter: failed to decode command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.UnixMilli(cmd.AppliedAtUnixMillis)
	f.gc(now)

	switch cmd.Op {
	case OpAcquire:
		return f.applyAcquire(cmd, now)
	case OpRelease:
		return f.applyRelease(cmd)
	case OpHeartbeat:
		return f.applyHeartbeat(cmd, now)
	default:
		return ApplyResult{Err: fmt.Errorf("arbiter: unknown op %q", cmd.Op)}
	}
}

// gc removes every entry whose expiry is before now (§4.3 step 4),
// using the command's stamped clock rather than a local read.
func (f *LockFSM) gc(now time.Time) {
	for resource, entry := range f.locks {
		if entry.ExpiresAt.Before(now) {
			delete(f.locks, resource)
		}
	}
}

// applyAcquire applies the strictly-greater-priority-wins rule of §4.3
// (an equal or lower priority is answered with ErrHeld) uniformly to
// every requester, including the current holder: a bare
// Acquire does not special-case the incumbent (grounded on
// `raft.rs`'s `LockStateMachine::apply`, `Acquire` arm, which checks
// `priority > existing.priority` with no holder-identity carve-out).
// A holder that wants to renew its lease without becoming preemptible
// at a lower priority must use Heartbeat, not a repeated Acquire.
func (f *LockFSM) applyAcquire(cmd Command, now time.Time) ApplyResult {
	existing, held := f.locks[cmd.Resource]

	if held && existing.ExpiresAt.After(now) {
		if cmd.Priority <= existing.Priority {
			return ApplyResult{Err: ErrHeld}
		}
		preempted := existing.Holder
		f.locks[cmd.Resource] = &LockState{
			Resource:  cmd.Resource,
			Holder:    cmd.Agent,
			Priority:  cmd.Priority,
			ExpiresAt: now.Add(time.Duration(cmd.TTLMillis) * time.Millisecond),
		}
		return ApplyResult{Preempted: preempted}
	}

	f.locks[cmd.Resource] = &LockState{
		Resource:  cmd.Resource,
		Holder:    cmd.Agent,
		Priority:  cmd.Priority,
		ExpiresAt: now.Add(time.Duration(cmd.TTLMillis) * time.Millisecond),
	}
	return ApplyResult{}
}

func (f *LockFSM) applyRelease(cmd Command) ApplyResult {
	existing, held := f.locks[cmd.Resource]
	if !held {
		return ApplyResult{Err: ErrNotHolder}
	}
	if existing.Holder != cmd.Agent {
		return ApplyResult{Err: ErrNotHolder}
	}
	delete(f.locks, cmd.Resource)
	return ApplyResult{}
}

func (f *LockFSM) applyHeartbeat(cmd Command, now time.Time) ApplyResult {
	existing, held := f.locks[cmd.Resource]
	if !held || existing.Holder != cmd.Agent {
		return ApplyResult{Err: ErrLost}
	}
	existing.ExpiresAt = now.Add(time.Duration(cmd.TTLMillis) * time.Millisecond)
	return ApplyResult{}
}

// Query returns the current holder of resource, or nil if free (§4.3
// "snapshot read through the committed state").
func (f *LockFSM) Query(resource string) *LockState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	existing, ok := f.locks[resource]
	if !ok {
		return nil
	}
	cp := *existing
	return &cp
}

// lockSnapshot is the wire format for Snapshot/Restore.
type lockSnapshot struct {
	Locks map[string]*LockState `json:"locks"`
}

// Snapshot implements raft.FSM.
func (f *LockFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	copied := make(map[string]*LockState, len(f.locks))
	for k, v := range f.locks {
		cp := *v
		copied[k] = &cp
	}
	return &fsmSnapshot{state: lockSnapshot{Locks: copied}}, nil
}

// Restore implements raft.FSM, rebuilding the lock table from a prior
// snapshot (§6 "the lock state machine is rebuilt from the log").
func (f *LockFSM) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()

	var snap lockSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("arbiter: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.Locks == nil {
		snap.Locks = make(map[string]*LockState)
	}
	f.locks = snap.Locks
	return nil
}

type fsmSnapshot struct {
	state lockSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

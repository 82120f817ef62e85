// Package arbiter implements the Coordination Engine (spec §4.3): a
// replicated, priority-preemptible, lease-based lock table over named
// business resources, driven by a log-replication consensus protocol.
package arbiter

import (
	"errors"
	"time"
)

// Op identifies one Command kind in the replicated log.
type Op string

const (
	OpAcquire   Op = "acquire"
	OpRelease   Op = "release"
	OpHeartbeat Op = "heartbeat"
)

// Command is one entry's payload. AppliedAtUnixMillis is stamped by the
// leader before the entry is proposed and is the only clock every
// replica is permitted to use for expiry comparisons -- replicas MUST
// NOT consult their own clock during Apply (§4.3 "Wall-clock discipline").
type Command struct {
	Op                  Op     `json:"op"`
	Resource            string `json:"resource"`
	Agent               string `json:"agent"`
	Priority            int    `json:"priority"`
	TTLMillis           int64  `json:"ttl_millis,omitempty"`
	AppliedAtUnixMillis int64  `json:"applied_at_unix_millis"`
}

// LockState is the externally observable state of one resource.
type LockState struct {
	Resource  string
	Holder    string
	Priority  int
	ExpiresAt time.Time
}

// Sentinel outcomes for a Command applied against the lock table,
// matching §4.3's state-machine semantics and §7's error taxonomy.
var (
	ErrHeld       = errors.New("arbiter: held by a holder of equal or greater priority")
	ErrNotHolder  = errors.New("arbiter: caller is not the current holder")
	ErrLost       = errors.New("arbiter: lock was preempted or released; holder lost")
	ErrRedirect   = errors.New("arbiter: not the leader")
	ErrUnavailable = errors.New("arbiter: no leader elected")
)

// ApplyResult is what Command.Apply (via the FSM) yields for one entry.
type ApplyResult struct {
	Preempted      string // agent ID evicted by an Acquire preemption, if any
	Err            error
}

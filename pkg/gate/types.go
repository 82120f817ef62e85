// Package gate implements the Verification Engine (spec §4.2): fan-out
// to applicable policies, deny-wins combination, the neural escalation
// path, and audit enqueue.
package gate

import "time"

// Request is the immutable Verification Request of spec §3.
type Request struct {
	RequestID string
	AgentID   string
	Action    string
	Context   map[string]string
	Region    string // jurisdiction used for policy applicability filtering
	Timestamp time.Time
}

// Latency is the breakdown carried on every Result (§3).
type Latency struct {
	SymbolicMicros int64
	NeuralMicros   int64
	TotalMicros    int64
}

// Result is the Verification Result of spec §3.
type Result struct {
	RequestID         string
	Allowed           bool
	EvaluatedPolicies []string
	BlockingPolicies  []string
	SymbolicRisk      int
	NeuralRisk        *int // nil when the neural path wasn't invoked
	FinalRisk         int
	Reasoning         string
	RequiresLock      bool
	ReviewRequested   bool // a policy explicitly requested review (§4.2 neural trigger c)
	Latency           Latency
	LatencyAlert      bool // set when either budget floor (§4.2) was exceeded
}

// Combiner merges a symbolic and a neural risk score into one final
// score. The spec (§9 Open Questions) mandates max by default but
// allows a pluggable combiner.
type Combiner func(symbolic, neural int) int

// MaxCombiner is the spec-mandated default.
func MaxCombiner(symbolic, neural int) int {
	if neural > symbolic {
		return neural
	}
	return symbolic
}

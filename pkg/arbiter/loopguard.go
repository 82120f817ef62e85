package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// LoopGuardConfig bounds how far an agent-to-agent message chain may
// travel before it is dropped: a hop ceiling, a per-pair rate limit, and
// a dollar cost ceiling that trips a circuit breaker once crossed.
type LoopGuardConfig struct {
	MaxHops     uint8
	MaxPairRate uint32
	CostCeiling float64
	RateWindow  time.Duration
	Enabled     bool
}

// DefaultLoopGuardConfig is a permissive starting point.
func DefaultLoopGuardConfig() LoopGuardConfig {
	return LoopGuardConfig{
		MaxHops:     10,
		MaxPairRate: 100,
		CostCeiling: 1000.0,
		RateWindow:  time.Minute,
		Enabled:     true,
	}
}

// StrictLoopGuardConfig tightens every bound for production traffic.
func StrictLoopGuardConfig() LoopGuardConfig {
	return LoopGuardConfig{
		MaxHops:     5,
		MaxPairRate: 20,
		CostCeiling: 100.0,
		RateWindow:  time.Minute,
		Enabled:     true,
	}
}

// TrackedMessage carries the hop path and accumulated cost of one
// agent-to-agent conversation chain through the coordination engine.
type TrackedMessage struct {
	MessageID       string
	CorrelationID   string
	HopCount        uint8
	AgentPath       []string
	AccumulatedCost float64
	CreatedAt       time.Time
}

// NewTrackedMessage starts a chain at sourceAgent with zero hops.
func NewTrackedMessage(messageID, correlationID, sourceAgent string) *TrackedMessage {
	return &TrackedMessage{
		MessageID:     messageID,
		CorrelationID: correlationID,
		AgentPath:     []string{sourceAgent},
		CreatedAt:     time.Now(),
	}
}

// AddHop appends agentID to the path and accumulates cost.
func (m *TrackedMessage) AddHop(agentID string, cost float64) {
	m.HopCount++
	m.AgentPath = append(m.AgentPath, agentID)
	m.AccumulatedCost += cost
}

// IsLooping reports whether the same agent appears twice in the path.
func (m *TrackedMessage) IsLooping() bool {
	seen := make(map[string]struct{}, len(m.AgentPath))
	for _, agent := range m.AgentPath {
		if _, ok := seen[agent]; ok {
			return true
		}
		seen[agent] = struct{}{}
	}
	return false
}

// AgentPair returns the last two hops in the path, if there are at
// least two.
func (m *TrackedMessage) AgentPair() (from, to string, ok bool) {
	if len(m.AgentPath) < 2 {
		return "", "", false
	}
	n := len(m.AgentPath)
	return m.AgentPath[n-2], m.AgentPath[n-1], true
}

// Loop guard errors (ported 1:1 from the Rust reference's error enum).
var (
	ErrHopLimitExceeded     = errors.New("arbiter: hop limit exceeded")
	ErrLoopDetected         = errors.New("arbiter: loop detected in agent path")
	ErrCostCeilingExceeded  = errors.New("arbiter: cost ceiling exceeded")
	ErrPairRateExceeded     = errors.New("arbiter: agent-pair rate limit exceeded")
	ErrLoopGuardCircuitOpen = errors.New("arbiter: loop guard circuit breaker is open")
)

type pairKey struct{ from, to string }

// LoopGuard stops agent-to-agent message chains from looping forever or
// running up unbounded cost, tripping a circuit breaker once the cost
// ceiling is crossed until explicitly reset.
type LoopGuard struct {
	cfg LoopGuardConfig

	mu              sync.Mutex
	pairCounts      map[pairKey]uint32
	windowStart     time.Time
	loopsDetected   uint64
	hopLimitsHit    uint64
	costCeilingsHit uint64
	totalCost       float64
	circuitOpen     bool
}

// NewLoopGuard constructs a guard from cfg.
func NewLoopGuard(cfg LoopGuardConfig) *LoopGuard {
	return &LoopGuard{cfg: cfg, pairCounts: make(map[pairKey]uint32)}
}

// Check evaluates message against every configured bound, in the order
// circuit breaker, hop limit, loop detection, cost ceiling, pair rate --
// tripping the circuit breaker itself when the cost ceiling is crossed.
func (g *LoopGuard) Check(msg *TrackedMessage) error {
	if !g.cfg.Enabled {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.circuitOpen {
		return ErrLoopGuardCircuitOpen
	}

	if msg.HopCount >= g.cfg.MaxHops {
		g.hopLimitsHit++
		return fmt.Errorf("%w: %d/%d", ErrHopLimitExceeded, msg.HopCount, g.cfg.MaxHops)
	}

	if msg.IsLooping() {
		g.loopsDetected++
		return fmt.Errorf("%w: %v", ErrLoopDetected, msg.AgentPath)
	}

	if msg.AccumulatedCost >= g.cfg.CostCeiling {
		g.costCeilingsHit++
		g.circuitOpen = true
		return fmt.Errorf("%w: %.2f >= %.2f", ErrCostCeilingExceeded, msg.AccumulatedCost, g.cfg.CostCeiling)
	}

	if from, to, ok := msg.AgentPair(); ok {
		if err := g.checkPairRateLocked(from, to); err != nil {
			return err
		}
	}

	return nil
}

func (g *LoopGuard) checkPairRateLocked(from, to string) error {
	now := time.Now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) > g.cfg.RateWindow {
		g.pairCounts = make(map[pairKey]uint32)
		g.windowStart = now
	}

	key := pairKey{from, to}
	g.pairCounts[key]++
	count := g.pairCounts[key]
	if count > g.cfg.MaxPairRate {
		return fmt.Errorf("%w: %s -> %s (%d/%d per %s)", ErrPairRateExceeded, from, to, count, g.cfg.MaxPairRate, g.cfg.RateWindow)
	}
	return nil
}

// RecordCost adds cost to the guard's running total, independent of any
// single message's per-chain accumulation.
func (g *LoopGuard) RecordCost(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalCost += cost
}

// ResetCircuit clears a tripped circuit breaker.
func (g *LoopGuard) ResetCircuit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.circuitOpen = false
}

// LoopGuardStats is a point-in-time snapshot of a LoopGuard's counters.
type LoopGuardStats struct {
	LoopsDetected   uint64
	HopLimitsHit    uint64
	CostCeilingsHit uint64
	TotalCost       float64
	CircuitOpen     bool
}

// Stats returns a snapshot of the guard's counters.
func (g *LoopGuard) Stats() LoopGuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return LoopGuardStats{
		LoopsDetected:   g.loopsDetected,
		HopLimitsHit:    g.hopLimitsHit,
		CostCeilingsHit: g.costCeilingsHit,
		TotalCost:       g.totalCost,
		CircuitOpen:     g.circuitOpen,
	}
}

package arbiter_test

import (
	"testing"

	"github.com/aegis-control/plane/pkg/arbiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopGuard_HopLimitExceeded(t *testing.T) {
	cfg := arbiter.DefaultLoopGuardConfig()
	cfg.MaxHops = 3
	g := arbiter.NewLoopGuard(cfg)

	msg := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	msg.AddHop("agent-b", 1.0)
	msg.AddHop("agent-c", 1.0)
	msg.AddHop("agent-d", 1.0)

	err := g.Check(msg)
	assert.ErrorIs(t, err, arbiter.ErrHopLimitExceeded)
}

func TestLoopGuard_LoopDetected(t *testing.T) {
	g := arbiter.NewLoopGuard(arbiter.DefaultLoopGuardConfig())

	msg := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	msg.AddHop("agent-b", 1.0)
	msg.AddHop("agent-a", 1.0) // revisits agent-a

	err := g.Check(msg)
	assert.ErrorIs(t, err, arbiter.ErrLoopDetected)
}

func TestLoopGuard_CostCeilingTripsCircuitBreaker(t *testing.T) {
	cfg := arbiter.DefaultLoopGuardConfig()
	cfg.CostCeiling = 10.0
	g := arbiter.NewLoopGuard(cfg)

	msg := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	msg.AccumulatedCost = 15.0

	err := g.Check(msg)
	assert.ErrorIs(t, err, arbiter.ErrCostCeilingExceeded)
	assert.True(t, g.Stats().CircuitOpen)
}

func TestLoopGuard_ValidMessagePasses(t *testing.T) {
	g := arbiter.NewLoopGuard(arbiter.DefaultLoopGuardConfig())

	msg := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	msg.AddHop("agent-b", 0.5)

	require.NoError(t, g.Check(msg))
}

func TestLoopGuard_CircuitBreakerBlocksAllUntilReset(t *testing.T) {
	cfg := arbiter.DefaultLoopGuardConfig()
	cfg.CostCeiling = 1.0
	g := arbiter.NewLoopGuard(cfg)

	tripper := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	tripper.AccumulatedCost = 10.0
	_ = g.Check(tripper)

	other := arbiter.NewTrackedMessage("msg-2", "corr-2", "agent-b")
	err := g.Check(other)
	assert.ErrorIs(t, err, arbiter.ErrLoopGuardCircuitOpen)

	g.ResetCircuit()
	require.NoError(t, g.Check(other))
}

func TestLoopGuard_PairRateLimitExceeded(t *testing.T) {
	cfg := arbiter.DefaultLoopGuardConfig()
	cfg.MaxPairRate = 2
	g := arbiter.NewLoopGuard(cfg)

	for i := 0; i < 2; i++ {
		msg := arbiter.NewTrackedMessage("msg", "corr", "agent-a")
		msg.AddHop("agent-b", 0.1)
		require.NoError(t, g.Check(msg))
	}

	over := arbiter.NewTrackedMessage("msg", "corr", "agent-a")
	over.AddHop("agent-b", 0.1)
	err := g.Check(over)
	assert.ErrorIs(t, err, arbiter.ErrPairRateExceeded)
}

func TestLoopGuard_DisabledConfigSkipsAllChecks(t *testing.T) {
	cfg := arbiter.DefaultLoopGuardConfig()
	cfg.Enabled = false
	cfg.MaxHops = 1
	g := arbiter.NewLoopGuard(cfg)

	msg := arbiter.NewTrackedMessage("msg-1", "corr-1", "agent-a")
	msg.AddHop("agent-b", 0.1)
	msg.AddHop("agent-a", 0.1)
	msg.AddHop("agent-c", 0.1)

	require.NoError(t, g.Check(msg))
}

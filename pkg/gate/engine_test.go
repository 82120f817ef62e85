package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegis-control/plane/pkg/gate"
	"github.com/aegis-control/plane/pkg/neural"
	"github.com/aegis-control/plane/pkg/policy"
	"github.com/aegis-control/plane/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowRule(risk int) []sandbox.MatchCondition {
	return []sandbox.MatchCondition{
		{Expr: `true`, Verdict: sandbox.VerdictAllow, RiskScore: risk},
	}
}

type recordingAudit struct {
	calls []gate.Result
}

func (r *recordingAudit) Enqueue(_ context.Context, _ gate.Request, res gate.Result) error {
	r.calls = append(r.calls, res)
	return nil
}

type failingAudit struct{}

func (failingAudit) Enqueue(context.Context, gate.Request, gate.Result) error {
	return errors.New("queue full")
}

func newRegistryWith(t *testing.T, p policy.Policy) *policy.Registry {
	t.Helper()
	r := policy.NewRegistry()
	require.NoError(t, r.Register(p))
	return r
}

func TestVerify_AllowedWhenNoPolicyDenies(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(10)})
	audit := &recordingAudit{}
	eng := gate.New(r, nil, neural.StubEvaluator{}, audit, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r1", Action: "read_data"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 10, res.SymbolicRisk)
	assert.Len(t, audit.calls, 1)
}

func TestVerify_DenyWins(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.Policy{ID: "allow", Enabled: true, ActionPattern: "*", Priority: 1, RuleBody: allowRule(5)}))
	require.NoError(t, r.Register(policy.Policy{ID: "deny", Enabled: true, ActionPattern: "*", Priority: 1, RuleBody: []sandbox.MatchCondition{
		{Expr: `true`, Verdict: sandbox.VerdictDeny, RiskScore: 60},
	}}))
	eng := gate.New(r, nil, neural.StubEvaluator{}, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r2", Action: "transfer_funds"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.BlockingPolicies, "deny")
}

func TestVerify_NeuralEscalatesOnHighSymbolicRisk(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(90)})
	neuralEval := stubScorer{risk: 95}
	eng := gate.New(r, nil, neuralEval, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r3", Action: "withdraw"})
	require.NoError(t, err)
	require.NotNil(t, res.NeuralRisk)
	assert.Equal(t, 95, *res.NeuralRisk)
	assert.False(t, res.Allowed, "final risk above block threshold must downgrade to deny")
}

func TestVerify_HighRiskActionSetForcesNeural(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(0)})
	neuralEval := stubScorer{risk: 5}
	cfg := gate.DefaultConfig()
	cfg.HighRiskActions = map[string]bool{"delete_account": true}
	eng := gate.New(r, nil, neuralEval, nil, cfg)

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r4", Action: "delete_account"})
	require.NoError(t, err)
	require.NotNil(t, res.NeuralRisk)
}

func TestVerify_PerPolicyHighRiskActionForcesNeural(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", HighRiskAction: true, RuleBody: allowRule(0)})
	neuralEval := stubScorer{risk: 5}
	eng := gate.New(r, nil, neuralEval, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r5", Action: "anything"})
	require.NoError(t, err)
	require.NotNil(t, res.NeuralRisk)
	assert.True(t, res.ReviewRequested)
}

func TestVerify_RequireReviewVerdictForcesNeural(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: []sandbox.MatchCondition{
		{Expr: `true`, Verdict: sandbox.VerdictRequireReview, RiskScore: 0},
	}})
	neuralEval := stubScorer{risk: 5}
	eng := gate.New(r, nil, neuralEval, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r6", Action: "anything"})
	require.NoError(t, err)
	assert.True(t, res.ReviewRequested)
	require.NotNil(t, res.NeuralRisk)
}

func TestVerify_RequireLockVerdictSetsRequiresLock(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: []sandbox.MatchCondition{
		{Expr: `true`, Verdict: sandbox.VerdictRequireLock, RiskScore: 0},
	}})
	eng := gate.New(r, nil, neural.StubEvaluator{}, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r7", Action: "anything"})
	require.NoError(t, err)
	assert.True(t, res.RequiresLock)
}

func TestVerify_NeuralUnavailableFallsBackToSymbolicVerdict(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(90)})
	eng := gate.New(r, nil, erroringScorer{}, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r8", Action: "anything"})
	require.NoError(t, err)
	assert.Nil(t, res.NeuralRisk)
	assert.True(t, res.Allowed)
	assert.Contains(t, res.Reasoning, "neural-unavailable")
}

func TestVerify_MissingPolicyRuntimeFailsClosed(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", BytecodeModule: &sandbox.Module{Hash: "deadbeef"}})
	eng := gate.New(r, nil, neural.StubEvaluator{}, nil, gate.DefaultConfig())

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r9", Action: "anything"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.BlockingPolicies, "p1")
}

func TestVerify_AuditEnqueueFailureIsSurfaced(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(0)})
	eng := gate.New(r, nil, neural.StubEvaluator{}, failingAudit{}, gate.DefaultConfig())

	_, err := eng.Verify(context.Background(), gate.Request{RequestID: "r10", Action: "anything"})
	require.Error(t, err)
}

func TestVerify_LatencyAlertSetWhenSymbolicBudgetExceeded(t *testing.T) {
	r := newRegistryWith(t, policy.Policy{ID: "p1", Enabled: true, ActionPattern: "*", RuleBody: allowRule(0)})
	cfg := gate.DefaultConfig()
	cfg.SymbolicBudget = -1 * time.Nanosecond
	eng := gate.New(r, nil, neural.StubEvaluator{}, nil, cfg)

	res, err := eng.Verify(context.Background(), gate.Request{RequestID: "r11", Action: "anything"})
	require.NoError(t, err)
	assert.True(t, res.LatencyAlert)
}

type stubScorer struct{ risk int }

func (s stubScorer) Score(context.Context, neural.Request) (int, error) { return s.risk, nil }

type erroringScorer struct{}

func (erroringScorer) Score(context.Context, neural.Request) (int, error) {
	return 0, errors.New("model unreachable")
}

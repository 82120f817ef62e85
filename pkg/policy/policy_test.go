package policy_test

import (
	"testing"

	"github.com/aegis-control/plane/pkg/policy"
	"github.com/aegis-control/plane/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAllRule() []sandbox.MatchCondition {
	return []sandbox.MatchCondition{
		{Expr: `action == "read_data"`, Verdict: sandbox.VerdictAllow, RiskScore: 0},
	}
}

// TestRegister_ListRoundTrip verifies the §8 round-trip law: installing
// a policy and immediately listing includes it; unregistering it and
// listing excludes it.
func TestRegister_ListRoundTrip(t *testing.T) {
	r := policy.NewRegistry()

	err := r.Register(policy.Policy{
		ID: "p1", Version: 1, Enabled: true, ActionPattern: "read_data",
		RuleBody: allowAllRule(),
	})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)

	r.Unregister("p1")
	assert.Empty(t, r.List())
}

func TestApplicablePolicies_FiltersByActionAndJurisdiction(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.Policy{
		ID: "p-eu", Version: 1, Enabled: true, ActionPattern: "transfer_funds",
		JurisdictionTags: []string{"eu"}, RuleBody: allowAllRule(),
	}))
	require.NoError(t, r.Register(policy.Policy{
		ID: "p-any", Version: 1, Enabled: true, ActionPattern: "transfer_funds",
		RuleBody: allowAllRule(),
	}))
	require.NoError(t, r.Register(policy.Policy{
		ID: "p-other-action", Version: 1, Enabled: true, ActionPattern: "read_data",
		RuleBody: allowAllRule(),
	}))

	applicable := r.ApplicablePolicies("transfer_funds", "eu")
	ids := []string{}
	for _, p := range applicable {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"p-eu", "p-any"}, ids)
}

func TestApplicablePolicies_OrderedByPriorityDescending(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.Policy{ID: "low", Enabled: true, ActionPattern: "*", Priority: 1, RuleBody: allowAllRule()}))
	require.NoError(t, r.Register(policy.Policy{ID: "high", Enabled: true, ActionPattern: "*", Priority: 10, RuleBody: allowAllRule()}))

	applicable := r.ApplicablePolicies("anything", "")
	require.Len(t, applicable, 2)
	assert.Equal(t, "high", applicable[0].ID)
	assert.Equal(t, "low", applicable[1].ID)
}

func TestRegister_InvalidRuleBodyNeverBecomesVisible(t *testing.T) {
	r := policy.NewRegistry()
	err := r.Register(policy.Policy{
		ID: "broken", Enabled: true, ActionPattern: "*",
		RuleBody: []sandbox.MatchCondition{{Expr: "this is not valid cel {{{", Verdict: sandbox.VerdictAllow}},
	})
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestDisabledPolicy_NeverApplicable(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.Policy{ID: "off", Enabled: false, ActionPattern: "*", RuleBody: allowAllRule()}))
	assert.Empty(t, r.ApplicablePolicies("read_data", ""))
}

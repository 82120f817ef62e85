package ingress

import (
	"time"

	"github.com/aegis-control/plane/pkg/gate"
	"github.com/aegis-control/plane/pkg/policy"
	"github.com/aegis-control/plane/pkg/sandbox"
)

// verifyRequest is the wire shape for POST /verify (§6 "Fields are
// case-preserving camelCase on the wire").
type verifyRequest struct {
	RequestID string            `json:"requestId"`
	AgentID   string            `json:"agentId"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Region    string            `json:"region,omitempty"`
}

// routeKey is the resource name when present, else the agent id,
// matching §4.5's worker-selection rule.
func (r verifyRequest) routeKey() string {
	if r.Resource != "" {
		return r.Resource
	}
	return r.AgentID
}

func (r verifyRequest) toGateRequest() gate.Request {
	return gate.Request{
		RequestID: r.RequestID,
		AgentID:   r.AgentID,
		Action:    r.Action,
		Context:   r.Context,
		Region:    r.Region,
		Timestamp: time.Now().UTC(),
	}
}

type latencyDTO struct {
	SymbolicMicros int64 `json:"symbolicMicros"`
	NeuralMicros   int64 `json:"neuralMicros"`
	TotalMicros    int64 `json:"totalMicros"`
}

type verifyResponse struct {
	RequestID         string     `json:"requestId"`
	Allowed           bool       `json:"allowed"`
	EvaluatedPolicies []string   `json:"evaluatedPolicies,omitempty"`
	BlockingPolicies  []string   `json:"blockingPolicies,omitempty"`
	SymbolicRisk      int        `json:"symbolicRisk"`
	NeuralRisk        *int       `json:"neuralRisk,omitempty"`
	FinalRisk         int        `json:"finalRisk"`
	Reasoning         string     `json:"reasoning,omitempty"`
	RequiresLock      bool       `json:"requiresLock"`
	ReviewRequested   bool       `json:"reviewRequested"`
	Latency           latencyDTO `json:"latency"`
	LatencyAlert      bool       `json:"latencyAlert,omitempty"`
}

func toVerifyResponse(res gate.Result) verifyResponse {
	return verifyResponse{
		RequestID:         res.RequestID,
		Allowed:           res.Allowed,
		EvaluatedPolicies: res.EvaluatedPolicies,
		BlockingPolicies:  res.BlockingPolicies,
		SymbolicRisk:      res.SymbolicRisk,
		NeuralRisk:        res.NeuralRisk,
		FinalRisk:         res.FinalRisk,
		Reasoning:         res.Reasoning,
		RequiresLock:      res.RequiresLock,
		ReviewRequested:   res.ReviewRequested,
		Latency: latencyDTO{
			SymbolicMicros: res.Latency.SymbolicMicros,
			NeuralMicros:   res.Latency.NeuralMicros,
			TotalMicros:    res.Latency.TotalMicros,
		},
		LatencyAlert: res.LatencyAlert,
	}
}

// policyDTO is the wire shape for installing/listing policies.
type policyDTO struct {
	ID               string   `json:"id"`
	Version          int      `json:"version"`
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	Priority         int      `json:"priority"`
	JurisdictionTags []string `json:"jurisdictionTags,omitempty"`
	ActionPattern    string   `json:"actionPattern"`
	HighRiskAction   bool     `json:"highRiskAction,omitempty"`
	RequiresLock     bool     `json:"requiresLock,omitempty"`
	RuleBody         []ruleConditionDTO `json:"ruleBody,omitempty"`
}

type ruleConditionDTO struct {
	Expr      string `json:"expr"`
	Verdict   string `json:"verdict"`
	RiskScore int    `json:"riskScore"`
}

func (p policyDTO) toPolicy() policy.Policy {
	body := make([]sandbox.MatchCondition, 0, len(p.RuleBody))
	for _, c := range p.RuleBody {
		body = append(body, sandbox.MatchCondition{
			Expr:      c.Expr,
			Verdict:   sandbox.RuleVerdict(c.Verdict),
			RiskScore: c.RiskScore,
		})
	}
	return policy.Policy{
		ID:               p.ID,
		Version:          p.Version,
		Name:             p.Name,
		Enabled:          p.Enabled,
		RuleBody:         body,
		Priority:         p.Priority,
		JurisdictionTags: p.JurisdictionTags,
		ActionPattern:    p.ActionPattern,
		HighRiskAction:   p.HighRiskAction,
		RequiresLock:     p.RequiresLock,
	}
}

func fromPolicy(p policy.Policy) policyDTO {
	body := make([]ruleConditionDTO, 0, len(p.RuleBody))
	for _, c := range p.RuleBody {
		body = append(body, ruleConditionDTO{Expr: c.Expr, Verdict: string(c.Verdict), RiskScore: c.RiskScore})
	}
	return policyDTO{
		ID:               p.ID,
		Version:          p.Version,
		Name:             p.Name,
		Enabled:          p.Enabled,
		Priority:         p.Priority,
		JurisdictionTags: p.JurisdictionTags,
		ActionPattern:    p.ActionPattern,
		HighRiskAction:   p.HighRiskAction,
		RequiresLock:     p.RequiresLock,
		RuleBody:         body,
	}
}

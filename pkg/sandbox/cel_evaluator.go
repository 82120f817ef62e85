package sandbox

import (
	"context"
	"fmt"

	"github.com/aegis-control/plane/pkg/capability"
	"github.com/google/cel-go/cel"
)

// RuleVerdict is the outcome one match-condition can produce (spec §3
// Policy: "each yielding one of {allow, deny, require-review,
// require-lock}").
type RuleVerdict string

const (
	VerdictAllow         RuleVerdict = "allow"
	VerdictDeny          RuleVerdict = "deny"
	VerdictRequireReview RuleVerdict = "require-review"
	VerdictRequireLock   RuleVerdict = "require-lock"
)

// MatchCondition is one entry of a policy's ordered rule body. Expr is a
// CEL boolean expression over the `action` string and `context` map;
// the first condition whose Expr evaluates true wins.
type MatchCondition struct {
	Expr     string
	Verdict  RuleVerdict
	RiskScore int
}

// celEnv is process-wide: CEL environments are safe for concurrent use
// once built, and carry no ambient authority -- they only ever see the
// `action` and `context` variables bound at Evaluate time, matching the
// capability-gated host-call discipline of §4.1.
var celEnv = mustNewCELEnv()

func mustNewCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("sandbox: failed to build CEL environment: %v", err))
	}
	return env
}

// CELEvaluator runs a policy's ordered rule body as the in-process,
// capability-safe default path (spec §4.1 "in-process nano-isolation").
// Programs are compiled once at registration time and cached by the
// caller (see pkg/policy.Registry); CELEvaluator itself is stateless per
// compiled program list.
type CELEvaluator struct {
	programs []cel.Program
	rules    []MatchCondition
}

// CompileRuleBody compiles every match-condition's expression once,
// failing closed (an error here means the policy cannot be installed,
// per §3's immutability invariant: a bad rule body never becomes live).
func CompileRuleBody(rules []MatchCondition) (*CELEvaluator, error) {
	programs := make([]cel.Program, 0, len(rules))
	for i, r := range rules {
		ast, issues := celEnv.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("sandbox: rule %d failed to compile: %w", i, issues.Err())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("sandbox: rule %d failed to plan: %w", i, err)
		}
		programs = append(programs, prg)
	}
	return &CELEvaluator{programs: programs, rules: rules}, nil
}

// Evaluate implements Evaluator. It walks the rule body in order and
// returns the verdict of the first matching condition. A module with no
// matching condition produces an implicit deny (fail-closed).
func (e *CELEvaluator) Evaluate(ctx context.Context, req capability.Request, budget Budget) (Result, error) {
	ctxVal := make(map[string]interface{}, len(req.Context))
	for k, v := range req.Context {
		ctxVal[k] = v
	}

	for i, prg := range e.programs {
		if ctx.Err() != nil {
			return Result{}, &TrapError{Code: CodeBudgetExceeded, Message: "rule body evaluation exceeded budget"}
		}

		val, _, err := prg.Eval(map[string]interface{}{
			"action":  req.Action,
			"context": ctxVal,
		})
		if err != nil {
			return Result{}, &TrapError{Code: CodeTrap, Message: fmt.Sprintf("rule %d runtime error: %v", i, err)}
		}

		matched, ok := val.Value().(bool)
		if !ok {
			return Result{}, &TrapError{Code: CodeTrap, Message: fmt.Sprintf("rule %d did not evaluate to a boolean", i)}
		}
		if !matched {
			continue
		}

		rule := e.rules[i]
		switch rule.Verdict {
		case VerdictAllow:
			return Result{Allowed: true, RiskScore: rule.RiskScore}, nil
		case VerdictDeny:
			return Result{Allowed: false, RiskScore: rule.RiskScore, Message: "rule denied"}, nil
		case VerdictRequireReview:
			return Result{Allowed: true, RiskScore: rule.RiskScore, Message: string(VerdictRequireReview)}, nil
		case VerdictRequireLock:
			return Result{Allowed: true, RiskScore: rule.RiskScore, Message: string(VerdictRequireLock)}, nil
		default:
			return Result{}, &TrapError{Code: CodeTrap, Message: fmt.Sprintf("rule %d has unknown verdict %q", i, rule.Verdict)}
		}
	}

	// No condition matched: fail closed.
	return Result{Allowed: false, RiskScore: 0, Message: "no matching rule"}, nil
}

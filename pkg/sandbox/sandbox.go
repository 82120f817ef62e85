// Package sandbox implements the Policy Runtime (spec §4.1): executing a
// single policy module against one verification request inside a
// capability-sandboxed environment, with resource metering and
// fail-closed trap/budget/missing-module semantics.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-control/plane/pkg/capability"
)

// Result is the contract's output: {allowed, risk_score, optional message}.
type Result struct {
	Allowed   bool
	RiskScore int
	Message   string
}

// Code is one of the deterministic fail-closed reasons from §4.1/§7.
type Code string

const (
	CodeTrap           Code = "policy-trap"
	CodeBudgetExceeded Code = "budget-exceeded"
	CodeMissingModule  Code = "policy-missing"
)

// TrapError is returned by an Evaluator when a module fails in a way the
// caller must treat as fail-closed deny. It is never a successful Result.
type TrapError struct {
	Code    Code
	Message string
}

func (e *TrapError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Budget bounds the compute a single evaluation may spend, counted in
// opcode units (§4.1 "finite compute budget"), plus a wall-clock ceiling
// as a second independent guard.
type Budget struct {
	OpcodeUnits  int64
	WallClock    time.Duration
	MemoryLimit  int64 // bytes
}

// DefaultBudget is conservative enough to keep the symbolic path inside
// its 1ms p99 floor (§4.2) even under a misbehaving module.
var DefaultBudget = Budget{
	OpcodeUnits: 1_000_000,
	WallClock:   500 * time.Microsecond,
	MemoryLimit: 16 * 1024 * 1024,
}

// Evaluator is the Policy Runtime contract: evaluate(module, request,
// context) -> {allowed, risk_score, message}. Implementations MUST be
// fail-closed: any error returned is a *TrapError, never a partial
// Result.
type Evaluator interface {
	Evaluate(ctx context.Context, req capability.Request, budget Budget) (Result, error)
}

// Run is a small helper that turns a missing evaluator into the
// policy-missing trap required by §4.1, so callers never have to special
// case a nil Evaluator.
func Run(ctx context.Context, eval Evaluator, req capability.Request, budget Budget) (Result, error) {
	if eval == nil {
		return Result{}, &TrapError{Code: CodeMissingModule, Message: "no module installed for this policy"}
	}

	ctx, cancel := context.WithTimeout(ctx, budget.WallClock)
	defer cancel()

	res, err := eval.Evaluate(ctx, req, budget)
	if err != nil {
		var trap *TrapError
		if errors.As(err, &trap) {
			return Result{}, trap
		}
		if ctx.Err() != nil {
			return Result{}, &TrapError{Code: CodeBudgetExceeded, Message: "wall-clock budget exceeded"}
		}
		return Result{}, &TrapError{Code: CodeTrap, Message: err.Error()}
	}
	return res, nil
}

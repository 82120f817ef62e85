package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-control/plane/pkg/capability"
	"github.com/aegis-control/plane/pkg/neural"
	"github.com/aegis-control/plane/pkg/policy"
	"github.com/aegis-control/plane/pkg/sandbox"
)

// AuditSink receives one Result per Verify call. Implementations (see
// pkg/audit) MUST apply never-drop backpressure: Enqueue either
// succeeds or blocks up to a bounded deadline (§4.5 step 6).
type AuditSink interface {
	Enqueue(ctx context.Context, req Request, res Result) error
}

// Config tunes the engine's triggers and budgets (§4.2, §9).
type Config struct {
	NeuralRiskThreshold  int // default 40
	NeuralBlockThreshold int // default 80
	SymbolicBudget       time.Duration // default 1ms, §4.2
	NeuralBudget         time.Duration // default 20ms, §4.2
	HighRiskActions      map[string]bool
	Combiner             Combiner
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		NeuralRiskThreshold:  40,
		NeuralBlockThreshold: 80,
		SymbolicBudget:       time.Millisecond,
		NeuralBudget:         20 * time.Millisecond,
		HighRiskActions:      map[string]bool{},
		Combiner:             MaxCombiner,
	}
}

// Engine is the Verification Engine of spec §4.2.
type Engine struct {
	registry *policy.Registry
	wasi     *sandbox.WasiEvaluator // may be nil if no bytecode modules are in use
	neural   neural.Evaluator
	audit    AuditSink
	cfg      Config
}

// New constructs an Engine. wasi may be nil when no policy uses a
// bytecode module; neural may be neural.StubEvaluator{} to disable
// escalation in tests.
func New(registry *policy.Registry, wasi *sandbox.WasiEvaluator, neuralEval neural.Evaluator, audit AuditSink, cfg Config) *Engine {
	if cfg.Combiner == nil {
		cfg.Combiner = MaxCombiner
	}
	return &Engine{registry: registry, wasi: wasi, neural: neuralEval, audit: audit, cfg: cfg}
}

func (e *Engine) RegisterPolicy(p policy.Policy) error { return e.registry.Register(p) }
func (e *Engine) UnregisterPolicy(id string)            { e.registry.Unregister(id) }
func (e *Engine) ListPolicies() []policy.Policy         { return e.registry.List() }

// Verify is the hot path (§4.2).
func (e *Engine) Verify(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{RequestID: req.RequestID}

	symbolicStart := time.Now()
	e.runSymbolic(ctx, req, &res)
	res.Latency.SymbolicMicros = time.Since(symbolicStart).Microseconds()
	if res.Latency.SymbolicMicros > e.cfg.SymbolicBudget.Microseconds() {
		res.LatencyAlert = true
	}

	needsNeural := e.shouldInvokeNeural(req, res)
	if needsNeural {
		neuralStart := time.Now()
		e.runNeural(ctx, req, &res)
		res.Latency.NeuralMicros = time.Since(neuralStart).Microseconds()
		if res.Latency.NeuralMicros > e.cfg.NeuralBudget.Microseconds() {
			res.LatencyAlert = true
		}
	}

	e.finalizeRisk(&res)
	res.Latency.TotalMicros = time.Since(start).Microseconds()

	if e.audit != nil {
		if err := e.audit.Enqueue(ctx, req, res); err != nil {
			// Per §4.2/§4.5, audit backpressure must never silently drop
			// a record; surfacing the error here lets the ingress layer
			// report "overloaded" while the record is still attempted.
			return res, fmt.Errorf("gate: audit enqueue: %w", err)
		}
	}

	return res, nil
}

// runSymbolic fans out to every applicable policy in descending
// priority, combining verdicts with deny-wins. It does not stop at the
// first deny: every applicable policy is evaluated, so the blocking set
// is complete (§4.2 tie-break and ordering).
func (e *Engine) runSymbolic(ctx context.Context, req Request, res *Result) {
	applicable := e.registry.ApplicablePolicies(req.Action, req.Region)
	res.Allowed = true

	for _, p := range applicable {
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, p.ID)

		result, err := e.evaluatePolicy(ctx, p, req)
		if err != nil {
			// Policy-runtime failure is fail-closed (§4.2).
			res.Allowed = false
			res.BlockingPolicies = append(res.BlockingPolicies, p.ID)
			res.Reasoning = appendReason(res.Reasoning, err.Error())
			continue
		}

		if result.RiskScore > res.SymbolicRisk {
			res.SymbolicRisk = result.RiskScore
		}
		if p.RequiresLock || result.Message == string(sandbox.VerdictRequireLock) {
			res.RequiresLock = true
		}
		if result.Message == string(sandbox.VerdictRequireReview) || p.HighRiskAction {
			res.ReviewRequested = true
		}

		if !result.Allowed {
			res.Allowed = false
			res.BlockingPolicies = append(res.BlockingPolicies, p.ID)
			if result.Message != "" {
				res.Reasoning = appendReason(res.Reasoning, result.Message)
			}
		}
	}

	if len(res.BlockingPolicies) == 0 && res.Reasoning == "" {
		res.Reasoning = "allowed by symbolic path"
	}
}

func (e *Engine) evaluatePolicy(ctx context.Context, p policy.Policy, req Request) (sandbox.Result, error) {
	capReq := capability.Request{Action: req.Action, Context: req.Context}

	if p.BytecodeModule != nil {
		if e.wasi == nil {
			return sandbox.Result{}, &sandbox.TrapError{Code: sandbox.CodeMissingModule, Message: "no wasi evaluator configured"}
		}
		return sandbox.Run(ctx, wasiAdapter{eval: e.wasi, mod: *p.BytecodeModule}, capReq, sandbox.DefaultBudget)
	}

	eval := e.registry.Evaluator(p.ID)
	return sandbox.Run(ctx, eval, capReq, sandbox.DefaultBudget)
}

// wasiAdapter adapts a bound WasiEvaluator+Module pair to the
// sandbox.Evaluator interface expected by sandbox.Run.
type wasiAdapter struct {
	eval *sandbox.WasiEvaluator
	mod  sandbox.Module
}

func (a wasiAdapter) Evaluate(ctx context.Context, req capability.Request, budget sandbox.Budget) (sandbox.Result, error) {
	return a.eval.EvaluateModule(ctx, a.mod, req, budget, func(line string) {
		slog.Info("policy module log", "module", a.mod.Hash, "line", line)
	})
}

// shouldInvokeNeural implements the three triggers of §4.2.
func (e *Engine) shouldInvokeNeural(req Request, res Result) bool {
	if res.SymbolicRisk >= e.cfg.NeuralRiskThreshold {
		return true
	}
	if e.cfg.HighRiskActions[req.Action] {
		return true
	}
	return res.ReviewRequested
}

func (e *Engine) runNeural(ctx context.Context, req Request, res *Result) {
	deadline := e.cfg.NeuralBudget
	if deadline <= 0 {
		deadline = 20 * time.Millisecond
	}
	nctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	risk, err := e.neural.Score(nctx, neural.Request{Action: req.Action, Context: req.Context, SymbolicRisk: res.SymbolicRisk})
	if err != nil || nctx.Err() != nil {
		// §4.2: neural failure/timeout falls back to the symbolic
		// verdict; never deny solely because the model was unreachable.
		res.Reasoning = appendReason(res.Reasoning, "neural-unavailable")
		return
	}
	res.NeuralRisk = &risk
}

// finalizeRisk applies the combiner and the neural-block downgrade
// (§4.2: "A final risk at or above a configured block threshold
// downgrades the overall allow to deny").
func (e *Engine) finalizeRisk(res *Result) {
	res.FinalRisk = res.SymbolicRisk
	if res.NeuralRisk != nil {
		res.FinalRisk = e.cfg.Combiner(res.SymbolicRisk, *res.NeuralRisk)
		if res.FinalRisk >= e.cfg.NeuralBlockThreshold && res.Allowed {
			res.Allowed = false
			res.Reasoning = appendReason(res.Reasoning, "neural-block")
		}
	}
}

func appendReason(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}

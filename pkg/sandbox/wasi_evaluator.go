package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegis-control/plane/pkg/capability"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Module is a compiled, content-addressed bytecode policy module (spec
// §6 "External policy module format"). Hash identifies it for the
// registry's atomic hot-swap; Bytes are the raw WASM binary.
type Module struct {
	Hash  string
	Bytes []byte
}

// WasiEvaluator runs bytecode policy modules under wazero: the
// container-free, in-process nano-isolation the design assumes as
// default (§4.1). No filesystem, no network, no clock, no random
// source are wired in -- the module's only reach into the host is the
// capability-gated function table below.
type WasiEvaluator struct {
	runtime wazero.Runtime
	mu      sync.Mutex
	cache   map[string]wazero.CompiledModule
}

// NewWasiEvaluator creates the shared wazero runtime. One WasiEvaluator
// safely serves concurrent evaluations of different modules; compiled
// modules are cached by content hash so hot-swapping a policy never
// recompiles unrelated ones.
func NewWasiEvaluator(ctx context.Context, memoryLimitBytes int64) (*WasiEvaluator, error) {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &WasiEvaluator{runtime: r, cache: make(map[string]wazero.CompiledModule)}, nil
}

// Close releases the wazero runtime and every compiled module it holds.
func (e *WasiEvaluator) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// compile memoizes compilation by content hash under lock; wazero
// CompiledModule instances are safe to instantiate concurrently once
// built, so the lock only guards the cache map itself.
func (e *WasiEvaluator) compile(ctx context.Context, mod Module) (wazero.CompiledModule, error) {
	e.mu.Lock()
	if c, ok := e.cache[mod.Hash]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	compiled, err := e.runtime.CompileModule(ctx, mod.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to compile module %s: %w", mod.Hash, err)
	}

	e.mu.Lock()
	e.cache[mod.Hash] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// gasExhausted is a sentinel recovered from the host-bound consume_gas
// trap so a runaway module is reported as budget-exceeded rather than a
// generic panic.
type gasExhausted struct{}

// EvaluateModule runs one compiled module against req under budget,
// binding the fixed capability.HostCalls surface as wazero host
// functions named exactly as in §6: get_action_len, get_context_field,
// log, set_allowed, set_risk_score, plus consume_gas for opcode
// metering (the module's compiler is expected to emit a consume_gas
// call per basic block; a module that never calls it simply cannot
// exceed the budget through compute alone, but wall-clock and memory
// limits still apply).
func (e *WasiEvaluator) EvaluateModule(ctx context.Context, mod Module, req capability.Request, budget Budget, logSink func(string)) (Result, error) {
	compiled, err := e.compile(ctx, mod)
	if err != nil {
		return Result{}, &TrapError{Code: CodeTrap, Message: err.Error()}
	}

	verdict := &capability.Verdict{}
	calls := capability.Bind(ctx, req, logSink, verdict)

	remaining := budget.OpcodeUnits
	if remaining <= 0 {
		remaining = DefaultBudget.OpcodeUnits
	}

	host := e.runtime.NewHostModuleBuilder("env")
	host.NewFunctionBuilder().WithFunc(func(context.Context, api.Module) int32 {
		return calls.GetActionLen()
	}).Export("get_action_len")
	host.NewFunctionBuilder().WithFunc(func(_ context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
		key, ok := readWasmString(m, keyPtr, keyLen)
		if !ok {
			return 0
		}
		val, present := calls.GetContextField(key)
		if !present {
			return 0
		}
		return uint64(len(val))
	}).Export("get_context_field")
	host.NewFunctionBuilder().WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
		if line, ok := readWasmString(m, ptr, length); ok {
			calls.Log(line)
		}
	}).Export("log")
	host.NewFunctionBuilder().WithFunc(func(_ context.Context, _ api.Module, allowed int32) {
		calls.SetAllowed(allowed != 0)
	}).Export("set_allowed")
	host.NewFunctionBuilder().WithFunc(func(_ context.Context, _ api.Module, score int32) {
		calls.SetRiskScore(int(score))
	}).Export("set_risk_score")
	host.NewFunctionBuilder().WithFunc(func(_ context.Context, _ api.Module, units int32) {
		remaining -= int64(units)
		if remaining < 0 {
			panic(gasExhausted{})
		}
	}).Export("consume_gas")

	if _, err := host.Instantiate(ctx); err != nil {
		return Result{}, &TrapError{Code: CodeTrap, Message: fmt.Sprintf("failed to bind host imports: %v", err)}
	}

	modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions("evaluate")

	result, trapped := e.instantiateAndRun(ctx, compiled, modCfg)
	if trapped != nil {
		return Result{}, trapped
	}
	_ = result

	if !verdict.AllowedSet {
		return Result{}, &TrapError{Code: CodeTrap, Message: "module exited without calling set_allowed"}
	}

	return Result{Allowed: verdict.Allowed, RiskScore: verdict.RiskScore, Message: verdict.Message}, nil
}

func (e *WasiEvaluator) instantiateAndRun(ctx context.Context, compiled wazero.CompiledModule, cfg wazero.ModuleConfig) (mod api.Module, trapErr error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(gasExhausted); ok {
				trapErr = &TrapError{Code: CodeBudgetExceeded, Message: "opcode budget exhausted"}
				return
			}
			trapErr = &TrapError{Code: CodeTrap, Message: fmt.Sprintf("module panicked: %v", r)}
		}
	}()

	m, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TrapError{Code: CodeBudgetExceeded, Message: "wall-clock budget exceeded"}
		}
		return nil, &TrapError{Code: CodeTrap, Message: err.Error()}
	}
	return m, nil
}

// readWasmString reads a UTF-8 string out of the module's linear memory.
// Returns ok=false if the range is out of bounds -- never panics on
// malicious offsets.
func readWasmString(m api.Module, ptr, length uint32) (string, bool) {
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

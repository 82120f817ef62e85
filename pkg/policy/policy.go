// Package policy implements the Policy data model and the Verification
// Engine's policy table (spec §3 Policy, §5 "Shared mutable policy
// registry" — published via an immutable snapshot swapped by an atomic
// pointer so that readers never block writers).
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aegis-control/plane/pkg/sandbox"
)

// Policy is identified by a stable ID and an increasing version. The
// rule body for a given (ID, Version) pair is immutable once installed
// -- an update MUST increment Version (§3 invariant).
type Policy struct {
	ID                string
	Version           int
	Name              string
	Enabled           bool
	RuleBody          []sandbox.MatchCondition
	BytecodeModule    *sandbox.Module // optional; when set, overrides RuleBody evaluation
	Priority          int             // tie-break order among policies; higher evaluates first
	JurisdictionTags  []string        // data-residency region filter
	ActionPattern     string          // exact action name; "*" or "" matches every action
	HighRiskAction    bool            // forces the neural path regardless of symbolic risk (§4.2 trigger b)
	RequiresLock      bool            // forces a business lock regardless of rule-body verdict (§4.5 step 4)
}

// compiled is the immutable, pre-compiled form of one policy, published
// as part of a snapshot. Compilation happens once at registration time
// so the hot path never pays CEL compile cost.
type compiled struct {
	policy Policy
	eval   sandbox.Evaluator
}

// Matches reports whether this policy applies to action within region,
// per §4.2 "selects the applicable policies (by action pattern and
// jurisdiction tag)".
func (c *compiled) Matches(action, region string) bool {
	if !c.policy.Enabled {
		return false
	}
	if c.policy.ActionPattern != "" && c.policy.ActionPattern != "*" && c.policy.ActionPattern != action {
		return false
	}
	if len(c.policy.JurisdictionTags) == 0 {
		return true
	}
	for _, tag := range c.policy.JurisdictionTags {
		if tag == region || tag == "*" {
			return true
		}
	}
	return false
}

// snapshot is the immutable view readers see. Never mutated in place;
// Registry.Register/Unregister build a new snapshot and atomically swap
// the pointer.
type snapshot struct {
	byID    map[string]*compiled
	ordered []*compiled // sorted by descending priority, stable by ID
}

// Registry holds the live policy table. Writers (Register/Unregister)
// take no lock against readers: List/ApplicablePolicies take a
// copy-on-read snapshot of the current pointer and never block a
// concurrent writer, matching §5's shared-resource policy.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{byID: map[string]*compiled{}})
	return r
}

// Register installs or hot-swaps a policy. Compilation happens before
// the swap, so a policy that fails to compile never becomes visible to
// readers (fail-closed at the registry boundary, §3 immutability).
func (r *Registry) Register(p Policy) error {
	var eval sandbox.Evaluator
	if p.BytecodeModule == nil {
		ce, err := sandbox.CompileRuleBody(p.RuleBody)
		if err != nil {
			return fmt.Errorf("policy: %s v%d: %w", p.ID, p.Version, err)
		}
		eval = ce
	}
	// A policy carrying a BytecodeModule is evaluated by the caller's
	// WasiEvaluator (pkg/sandbox), keyed by module hash; the registry
	// only needs to remember which module applies.

	next := r.cloneSnapshot()
	next.byID[p.ID] = &compiled{policy: p, eval: eval}
	next.ordered = orderByPriority(next.byID)
	r.current.Store(next)
	return nil
}

// Unregister removes a policy by ID. A no-op if it was never installed.
func (r *Registry) Unregister(id string) {
	next := r.cloneSnapshot()
	delete(next.byID, id)
	next.ordered = orderByPriority(next.byID)
	r.current.Store(next)
}

// List returns a stable, priority-ordered snapshot of installed
// policies (§4.2 list_policies -- "snapshot read").
func (r *Registry) List() []Policy {
	snap := r.current.Load()
	out := make([]Policy, 0, len(snap.ordered))
	for _, c := range snap.ordered {
		out = append(out, c.policy)
	}
	return out
}

// ApplicablePolicies returns, in descending-priority order, every
// enabled policy whose action pattern and jurisdiction tags match.
func (r *Registry) ApplicablePolicies(action, region string) []Policy {
	snap := r.current.Load()
	out := make([]Policy, 0, len(snap.ordered))
	for _, c := range snap.ordered {
		if c.Matches(action, region) {
			out = append(out, c.policy)
		}
	}
	return out
}

// Evaluator returns the compiled in-process evaluator for id, or nil if
// the policy uses a bytecode module (the caller must dispatch those to
// a sandbox.WasiEvaluator) or doesn't exist.
func (r *Registry) Evaluator(id string) sandbox.Evaluator {
	snap := r.current.Load()
	c, ok := snap.byID[id]
	if !ok {
		return nil
	}
	return c.eval
}

func (r *Registry) cloneSnapshot() *snapshot {
	old := r.current.Load()
	next := &snapshot{byID: make(map[string]*compiled, len(old.byID)+1)}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	return next
}

func orderByPriority(byID map[string]*compiled) []*compiled {
	out := make([]*compiled, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].policy.Priority != out[j].policy.Priority {
			return out[i].policy.Priority > out[j].policy.Priority
		}
		return out[i].policy.ID < out[j].policy.ID
	})
	return out
}

// ctxKey is the context key for a request-scoped region value. Nothing
// in this module calls WithRegion or RegionFromContext; gate filters
// policies by the Region field of its Request.
type ctxKey struct{}

// WithRegion returns a context carrying the jurisdiction region used for
// policy applicability filtering.
func WithRegion(ctx context.Context, region string) context.Context {
	return context.WithValue(ctx, ctxKey{}, region)
}

// RegionFromContext extracts the region set by WithRegion, defaulting
// to "" (matches every jurisdiction-less policy).
func RegionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

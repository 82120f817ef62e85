// Package capability defines the fixed, pre-bound host-call surface
// available to a sandboxed policy module (spec §4.1, §6 "External
// policy module format"). A module has no ambient authority: it can
// only reach the host functions this package binds into its runtime,
// and nothing else.
package capability

import "context"

// HostCalls is the complete, closed set of host functions a policy
// module may invoke. There is no escape hatch: a module that needs a
// capability not listed here cannot be granted one at runtime.
type HostCalls struct {
	// GetActionLen returns the byte length of the request's action string.
	GetActionLen func() int32

	// GetContextField returns the value for a context key, or ("", false)
	// if the key is absent. The module never sees keys it didn't ask for
	// by name -- there is no "list all keys" call.
	GetContextField func(key string) (string, bool)

	// Log emits one log line attributed to the evaluating module.
	Log func(line string)

	// SetAllowed records the module's allow/deny verdict.
	SetAllowed func(allowed bool)

	// SetRiskScore records the module's symbolic risk score in [0,100].
	SetRiskScore func(score int)
}

// Request is the minimal read-only view of a verification request that
// a policy module is allowed to see through GetActionLen/GetContextField.
type Request struct {
	Action  string
	Context map[string]string
}

// Bind constructs the HostCalls closure set for one evaluation of req,
// recording the module's verdict into result. Bind never grants access
// to anything beyond req and the logger -- no clock, no filesystem, no
// network.
func Bind(ctx context.Context, req Request, logSink func(string), result *Verdict) HostCalls {
	return HostCalls{
		GetActionLen: func() int32 {
			return int32(len(req.Action))
		},
		GetContextField: func(key string) (string, bool) {
			v, ok := req.Context[key]
			return v, ok
		},
		Log: func(line string) {
			if logSink != nil {
				logSink(line)
			}
		},
		SetAllowed: func(allowed bool) {
			result.Allowed = allowed
			result.AllowedSet = true
		},
		SetRiskScore: func(score int) {
			if score < 0 {
				score = 0
			}
			if score > 100 {
				score = 100
			}
			result.RiskScore = score
			result.RiskScoreSet = true
		},
	}
}

// Verdict accumulates the outcome of one module execution via the
// SetAllowed/SetRiskScore host calls. A module that exits without
// calling SetAllowed has produced no verdict; callers must treat that
// as a trap (fail-closed, §4.1).
type Verdict struct {
	Allowed      bool
	AllowedSet   bool
	RiskScore    int
	RiskScoreSet bool
	Message      string
}

// Package capability defines the closed set of action categories the safety
// core governs, the ordered risk tiers, and the intent/result types that flow
// through the dispatch pipeline.
package capability

import "time"

// Capability is a closed category of action the agent can perform.
type Capability int

const (
	CapUnspecified Capability = iota
	CapShellExec              // shell_exec
	CapFileRead               // file_read
	CapFileWrite              // file_write
	CapFileDelete             // file_delete
	CapRepoMutate             // repo_mutate
	CapNetCall                // net_call
)

// All lists every real capability, in declaration order.
var All = []Capability{
	CapShellExec, CapFileRead, CapFileWrite, CapFileDelete, CapRepoMutate, CapNetCall,
}

// String returns the snake_case capability name (used for storage and config keys).
func (c Capability) String() string {
	switch c {
	case CapShellExec:
		return "shell_exec"
	case CapFileRead:
		return "file_read"
	case CapFileWrite:
		return "file_write"
	case CapFileDelete:
		return "file_delete"
	case CapRepoMutate:
		return "repo_mutate"
	case CapNetCall:
		return "net_call"
	default:
		return "unspecified"
	}
}

// Parse maps a snake_case name back to a Capability.
// Unknown names map to CapUnspecified.
func Parse(s string) Capability {
	for _, c := range All {
		if c.String() == s {
			return c
		}
	}
	return CapUnspecified
}

// RiskTier is an ordered authorization level. T0 is fully autonomous,
// T3 requires explicit owner approval. The integer order is load-bearing:
// comparisons implement floor and escalation semantics.
type RiskTier int

const (
	TierT0 RiskTier = iota // autonomous
	TierT1                 // notify
	TierT2                 // soft confirm
	TierT3                 // explicit owner approval
)

// String returns the tier label.
func (t RiskTier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	case TierT3:
		return "T3"
	default:
		return "T?"
	}
}

// ParseTier maps a label like "T2" to its tier. Unknown labels map to TierT3,
// the most restrictive tier: a tier we cannot parse must fail closed.
func ParseTier(s string) RiskTier {
	switch s {
	case "T0":
		return TierT0
	case "T1":
		return TierT1
	case "T2":
		return TierT2
	case "T3":
		return TierT3
	default:
		return TierT3
	}
}

// MoreRestrictive reports whether t requires stricter oversight than other.
func (t RiskTier) MoreRestrictive(other RiskTier) bool { return t > other }

// Max returns the more restrictive of two tiers.
func Max(a, b RiskTier) RiskTier {
	if a > b {
		return a
	}
	return b
}

// Min returns the less restrictive of two tiers.
func Min(a, b RiskTier) RiskTier {
	if a < b {
		return a
	}
	return b
}

// Clamp bounds t to [lo, hi].
func (t RiskTier) Clamp(lo, hi RiskTier) RiskTier {
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// ActionIntent is a single requested action. Created per request, consumed
// synchronously by the dispatcher, then discarded.
type ActionIntent struct {
	Capability Capability
	Action     string // concrete action name, e.g. "git_push"
	Target     string // path, URL or resource id
	ParamsJSON string // raw parameters as JSON
	Scope      string // namespace: connector id, workspace, ...
}

// Key returns the trust-ledger key for this intent.
func (a ActionIntent) Key() string {
	return a.Capability.String() + ":" + a.Scope
}

// ExecStatus classifies a provider execution result.
type ExecStatus int

const (
	ExecStatusUnspecified ExecStatus = iota
	ExecStatusOK
	ExecStatusFailed
	ExecStatusTimeout
	ExecStatusMalformed
)

// String returns the lowercase status name.
func (s ExecStatus) String() string {
	switch s {
	case ExecStatusOK:
		return "ok"
	case ExecStatusFailed:
		return "failed"
	case ExecStatusTimeout:
		return "timeout"
	case ExecStatusMalformed:
		return "malformed"
	default:
		return "unspecified"
	}
}

// ExecResult is what a provider returns from executing an intent.
type ExecResult struct {
	Status     ExecStatus
	OutputJSON string
	ProviderID string
	Duration   time.Duration
}

// OK reports whether the execution succeeded.
func (r ExecResult) OK() bool { return r.Status == ExecStatusOK }

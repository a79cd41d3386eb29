package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bastionhq/bastion/internal/policy"
	"github.com/bastionhq/bastion/internal/trust"
)

// ErrCancelled means the caller cancelled before provider invocation began.
// No counters were touched; the receipt records a cancelled outcome.
var ErrCancelled = errors.New("dispatch cancelled")

// PolicyViolationError is fatal for the attempt and never auto-retried.
type PolicyViolationError struct {
	Snapshot *policy.Snapshot
}

func (e *PolicyViolationError) Error() string {
	return "policy violation: " + strings.Join(e.Snapshot.ViolatedRules, ", ")
}

// BreakerTrippedError blocks automatic approval; the action needed manual
// approval and did not get it.
type BreakerTrippedError struct {
	Key     string
	Verdict trust.BreakerVerdict
}

func (e *BreakerTrippedError) Error() string {
	return fmt.Sprintf("circuit breaker tripped for %s: %s", e.Key, e.Verdict)
}

// ApprovalDeniedError means the owner declined (or the ask timed out, which
// is treated as a decline).
type ApprovalDeniedError struct {
	Reason string
}

func (e *ApprovalDeniedError) Error() string {
	return "approval denied: " + e.Reason
}

// MalformedOutputError means the provider returned data the dispatcher
// cannot interpret. The payload is truncated before it reaches a receipt.
type MalformedOutputError struct {
	ProviderID string
	Payload    string // already truncated
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed output from provider %s", e.ProviderID)
}

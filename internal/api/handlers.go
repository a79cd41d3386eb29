package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/approval"
	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/dispatch"
	"github.com/bastionhq/bastion/internal/trust"
)

// Dependencies wires the handlers. Constructed once in main and injected.
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	Approvals  *approval.MemoryChannel // nil when no owner surface is attached
	Keys       []APIKey
	CacheTTL   time.Duration
	Logger     *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/dispatch", d.authMiddleware(d.handleDispatch))
	mux.HandleFunc("POST /v1/policy/explain", d.authMiddleware(d.handleExplain))
	mux.HandleFunc("GET /v1/trust/{capability}/{scope}", d.authMiddleware(d.handleTrustRecord))
	mux.HandleFunc("POST /v1/trust/simulate", d.authMiddleware(d.handleSimulate))
	mux.HandleFunc("POST /v1/trust/revoke", d.authMiddleware(d.handleRevoke))
	mux.HandleFunc("POST /v1/trust/reconfirm", d.authMiddleware(d.handleReconfirm))
	mux.HandleFunc("GET /v1/approvals", d.authMiddleware(d.handleListApprovals))
	mux.HandleFunc("POST /v1/approvals/{id}/decision", d.authMiddleware(d.handleDecideApproval))

	return requestLogging(mux, d.Logger)
}

// IntentReq is the wire form of an action intent.
type IntentReq struct {
	Capability string `json:"capability"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	ParamsJSON string `json:"params_json"`
	Scope      string `json:"scope"`
}

func (r IntentReq) toIntent() (capability.ActionIntent, error) {
	c := capability.Parse(r.Capability)
	if c == capability.CapUnspecified {
		return capability.ActionIntent{}, errors.New("unknown capability: " + r.Capability)
	}
	return capability.ActionIntent{
		Capability: c,
		Action:     r.Action,
		Target:     r.Target,
		ParamsJSON: r.ParamsJSON,
		Scope:      r.Scope,
	}, nil
}

// DispatchResp reports the settled outcome plus the audit handle.
type DispatchResp struct {
	ReceiptID  string `json:"receipt_id"`
	Outcome    string `json:"outcome"`
	TierUsed   string `json:"tier_used"`
	ProviderID string `json:"provider_id,omitempty"`
	OutputJSON string `json:"output_json,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (d *Dependencies) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req IntentReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	intent, err := req.toIntent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	result, rec, dispatchErr := d.Dispatcher.Dispatch(r.Context(), intent)

	resp := DispatchResp{
		ReceiptID:  rec.ID,
		Outcome:    rec.Outcome.String(),
		TierUsed:   rec.TierUsed.String(),
		ProviderID: result.ProviderID,
		OutputJSON: result.OutputJSON,
		DurationMs: rec.Duration.Milliseconds(),
	}
	if dispatchErr != nil {
		resp.Error = rec.Error
	}
	// The caller always gets a definitive outcome plus a receipt id, even
	// on denial or provider exhaustion. HTTP status reflects the outcome.
	writeJSON(w, statusFor(dispatchErr), resp)
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var pv *dispatch.PolicyViolationError
	var bt *dispatch.BreakerTrippedError
	var ad *dispatch.ApprovalDeniedError
	switch {
	case errors.As(err, &pv), errors.As(err, &ad):
		return http.StatusForbidden
	case errors.As(err, &bt):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

// ExplainResp is the dry-run view of classification and policy.
type ExplainResp struct {
	Tier           string   `json:"tier"`
	DefaultTier    string   `json:"default_tier"`
	ScopeRule      string   `json:"scope_rule,omitempty"`
	Floor          string   `json:"floor"`
	FloorVersion   string   `json:"floor_version"`
	TrustApplied   bool     `json:"trust_applied"`
	PolicyDecision string   `json:"policy_decision"`
	ViolatedRules  []string `json:"violated_rules,omitempty"`
}

func (d *Dependencies) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req IntentReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	intent, err := req.toIntent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	tier, ex, snap := d.Dispatcher.ExplainPolicy(r.Context(), intent)
	writeJSON(w, http.StatusOK, ExplainResp{
		Tier:           tier.String(),
		DefaultTier:    ex.Default.String(),
		ScopeRule:      ex.ScopeRule,
		Floor:          ex.Floor.String(),
		FloorVersion:   ex.FloorVersion,
		TrustApplied:   ex.TrustApplied,
		PolicyDecision: snap.Decision.String(),
		ViolatedRules:  snap.ViolatedRules,
	})
}

// TrustRecordResp is the wire form of a trust record.
type TrustRecordResp struct {
	Capability    string `json:"capability"`
	Scope         string `json:"scope"`
	Successes     int    `json:"consecutive_successes"`
	Failures      int    `json:"consecutive_failures"`
	EffectiveTier string `json:"effective_tier"`
	DefaultTier   string `json:"default_tier"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
}

func (d *Dependencies) handleTrustRecord(w http.ResponseWriter, r *http.Request) {
	c := capability.Parse(r.PathValue("capability"))
	if c == capability.CapUnspecified {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown capability"})
		return
	}
	scope := r.PathValue("scope")

	rec, err := d.Dispatcher.Ledger().Record(r.Context(), c, scope)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "trust store error"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no trust record"})
		return
	}

	resp := TrustRecordResp{
		Capability:    rec.Capability.String(),
		Scope:         rec.Scope,
		Successes:     rec.ConsecutiveSuccesses,
		Failures:      rec.ConsecutiveFailures,
		EffectiveTier: rec.EffectiveTier.String(),
		DefaultTier:   rec.DefaultTier.String(),
	}
	if !rec.CooldownUntil.IsZero() {
		resp.CooldownUntil = rec.CooldownUntil.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SimulateReq asks for a dry-run projection over an outcome sequence.
type SimulateReq struct {
	Capability string `json:"capability"`
	Scope      string `json:"scope"`
	Outcomes   []bool `json:"outcomes"`
}

func (d *Dependencies) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	c := capability.Parse(req.Capability)
	if c == capability.CapUnspecified {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown capability"})
		return
	}

	steps, err := d.Dispatcher.Ledger().SimulateTimeline(r.Context(), c, req.Scope, req.Outcomes)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "simulation failed"})
		return
	}

	type stepResp struct {
		Outcome      string `json:"outcome"`
		Successes    int    `json:"successes"`
		Failures     int    `json:"failures"`
		Tier         string `json:"tier"`
		WouldPropose bool   `json:"would_propose,omitempty"`
		WouldRevoke  bool   `json:"would_revoke,omitempty"`
	}
	out := make([]stepResp, len(steps))
	for i, s := range steps {
		out[i] = stepResp{
			Outcome:      s.Outcome,
			Successes:    s.Successes,
			Failures:     s.Failures,
			Tier:         s.EffectiveTier.String(),
			WouldPropose: s.WouldPropose,
			WouldRevoke:  s.WouldRevoke,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

// RevokeReq names the trust key to reset.
type RevokeReq struct {
	Capability string `json:"capability"`
	Scope      string `json:"scope"`
	Severity   string `json:"severity"` // "reset_to_default" (default) or "reset_above_default"
}

func (d *Dependencies) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	c := capability.Parse(req.Capability)
	if c == capability.CapUnspecified {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown capability"})
		return
	}
	severity := trust.SeverityResetToDefault
	if req.Severity == "reset_above_default" {
		severity = trust.SeverityResetAboveDefault
	}

	if err := d.Dispatcher.Revoke(r.Context(), c, req.Scope, severity); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "revoke failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ReconfirmReq clears a lifetime circuit-breaker gate.
type ReconfirmReq struct {
	Capability string `json:"capability"`
	Scope      string `json:"scope"`
}

func (d *Dependencies) handleReconfirm(w http.ResponseWriter, r *http.Request) {
	var req ReconfirmReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	c := capability.Parse(req.Capability)
	if c == capability.CapUnspecified {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown capability"})
		return
	}

	key := trust.Key(c, req.Scope)
	if err := d.Dispatcher.Ledger().Reconfirm(r.Context(), key); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "reconfirm failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconfirmed"})
}

func (d *Dependencies) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	if d.Approvals == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": []any{}})
		return
	}

	type pendingResp struct {
		ID         string `json:"id"`
		Kind       string `json:"kind"`
		Capability string `json:"capability"`
		Scope      string `json:"scope"`
		Summary    string `json:"summary"`
		CreatedAt  string `json:"created_at"`
	}
	pending := d.Approvals.Pending()
	out := make([]pendingResp, len(pending))
	for i, p := range pending {
		out[i] = pendingResp{
			ID:         p.ID,
			Kind:       p.Kind,
			Capability: p.Capability,
			Scope:      p.Scope,
			Summary:    p.Summary,
			CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// DecisionReq is the owner's answer to a pending approval.
type DecisionReq struct {
	Approve bool `json:"approve"`
}

func (d *Dependencies) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if d.Approvals == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no approval channel attached"})
		return
	}
	var req DecisionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	id := r.PathValue("id")
	if !d.Approvals.Resolve(id, req.Approve) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no pending approval with that id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decided"})
}

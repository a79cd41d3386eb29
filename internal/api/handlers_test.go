package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastionhq/bastion/internal/approval"
	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/classify"
	"github.com/bastionhq/bastion/internal/dispatch"
	"github.com/bastionhq/bastion/internal/policy"
	"github.com/bastionhq/bastion/internal/receipt"
	"github.com/bastionhq/bastion/internal/route"
	"github.com/bastionhq/bastion/internal/soul"
	"github.com/bastionhq/bastion/internal/trust"
)

const testKey = "bsk_test_0123456789abcdef"

type testConfigs struct {
	policy   *policy.Config
	classify *classify.Config
}

func (c *testConfigs) PolicyConfig() *policy.Config     { return c.policy }
func (c *testConfigs) ClassifyConfig() *classify.Config { return c.classify }

// noopEmitter discards receipts; these tests assert on HTTP behavior only.
type noopEmitter struct{}

func (noopEmitter) Emit(*receipt.Receipt) {}
func (noopEmitter) Close()               {}

func newTestServer(t *testing.T) (*httptest.Server, *Dependencies) {
	t.Helper()
	logger := zap.NewNop()

	classifyCfg := classify.DefaultConfig()
	authority := soul.DefaultAuthority()
	ledger := trust.NewLedger(trust.NewMemoryStore(), trust.DefaultConfig(),
		func(c capability.Capability) capability.RiskTier { return classifyCfg.DefaultTier(c) },
		authority.FloorTier, logger)

	registry := route.NewRegistry()
	registry.Register(&route.FuncProvider{
		ProviderID:   "test",
		Capabilities: capability.All,
		InSandbox:    true,
	})
	router := route.NewRouter(route.Options{
		Registry: registry,
		Health:   route.NewHealthCache(time.Minute, 100*time.Millisecond),
		Logger:   logger,
	})

	approvals := approval.NewMemoryChannel(logger)
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Classifier:      classify.NewClassifier(authority, ledger, logger),
		Engine:          policy.NewEngine(logger),
		Router:          router,
		Ledger:          ledger,
		Approvals:       approvals,
		Emitter:         noopEmitter{},
		Configs:         &testConfigs{policy: policy.DefaultConfig(), classify: classifyCfg},
		ApprovalTimeout: time.Second,
		Logger:          logger,
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	deps := &Dependencies{
		Dispatcher: dispatcher,
		Approvals:  approvals,
		Keys:       []APIKey{{Prefix: testKey[:keyPrefixLen], Hash: string(hash)}},
		CacheTTL:   time.Minute,
		Logger:     logger,
	}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return resp, decoded
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestAuth_MissingHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_WrongKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals", "bsk_test_wrongwrongwrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_BadFormat(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals", "sk_not_a_bastion_key", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_ValidKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/approvals", testKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDispatch_Success(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/dispatch", testKey,
		`{"capability":"file_write","action":"write","target":"notes.txt","scope":"ws"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["outcome"] != "succeeded" {
		t.Errorf("expected succeeded, got %v", body["outcome"])
	}
	if body["receipt_id"] == "" {
		t.Error("expected a receipt id")
	}
}

func TestDispatch_PolicyDeniedMapsTo403(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/dispatch", testKey,
		`{"capability":"shell_exec","action":"run","target":"rm -rf /","scope":"ws"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body["outcome"] != "policy_denied" {
		t.Errorf("expected policy_denied, got %v", body["outcome"])
	}
	if body["receipt_id"] == "" {
		t.Error("denied dispatches still return a receipt id")
	}
}

func TestDispatch_UnknownCapability(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/dispatch", testKey,
		`{"capability":"teleport","action":"zap","target":"x","scope":"ws"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplain(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/policy/explain", testKey,
		`{"capability":"file_delete","action":"delete","target":"old.txt","scope":"ws"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["tier"] != "T3" {
		t.Errorf("file_delete should explain as T3, got %v", body["tier"])
	}
	if body["policy_decision"] != "allow" {
		t.Errorf("clean target should pass policy, got %v", body["policy_decision"])
	}
}

func TestTrustRecord_NotFoundThenFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/trust/file_write/ws", testKey, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any dispatch, got %d", resp.StatusCode)
	}

	doRequest(t, srv, http.MethodPost, "/v1/dispatch", testKey,
		`{"capability":"file_write","action":"write","target":"notes.txt","scope":"ws"}`)

	resp, body := doRequest(t, srv, http.MethodGet, "/v1/trust/file_write/ws", testKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after a dispatch, got %d", resp.StatusCode)
	}
	if body["consecutive_successes"] != float64(1) {
		t.Errorf("expected 1 success, got %v", body["consecutive_successes"])
	}
}

func TestSimulate(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/trust/simulate", testKey,
		`{"capability":"file_write","scope":"ws","outcomes":[true,true,false]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	steps, ok := body["steps"].([]any)
	if !ok || len(steps) != 3 {
		t.Errorf("expected 3 projected steps, got %v", body["steps"])
	}
}

func TestDecideApproval_UnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/approvals/nope/decision", testKey,
		`{"approve":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRevoke(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/trust/revoke", testKey,
		`{"capability":"file_write","scope":"ws","severity":"reset_to_default"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "revoked" {
		t.Errorf("unexpected body: %v", body)
	}
}

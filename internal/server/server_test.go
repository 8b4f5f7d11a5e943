package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/gateway"
	"escrowline/internal/logging"
	"escrowline/internal/migrate"
	"escrowline/internal/payout"
	"escrowline/internal/reconcile"
	"escrowline/internal/repo"
)

type testServer struct {
	URL     string
	Sandbox *gateway.Sandbox
	Repo    repo.Repo
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logging.Discard()
	sb := gateway.NewSandbox()
	dispatcher := payout.NewDispatcher(conn, payout.NopPublisher{}, 3, logger)
	e := engine.New(conn, sb, dispatcher, engine.Settings{PlatformFeeRate: 700, DefaultCurrency: "BRL"}, logger)
	rec := reconcile.New(sb, e, repo.Repo{DB: conn}, nil, logger)
	handler, err := New(Config{Engine: e, Reconciler: rec, Dispatcher: dispatcher, BasePath: "/v0", Auth: auth, Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Sandbox: sb,
		Repo:    repo.Repo{DB: conn},
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createContract(t *testing.T, srv *testServer, id string) ContractResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"id":           id,
		"client_id":    "client-1",
		"worker_id":    "worker-1",
		"gross_amount": "1000.00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}
	var c ContractResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	return c
}

func fund(t *testing.T, srv *testServer, contractID, paymentID string) WebhookResponse {
	t.Helper()
	srv.Sandbox.AddPayment(gateway.Payment{ID: paymentID, ExternalReference: contractID, Amount: 100000, ProviderFee: 3000})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/sandbox",
		`{"type":"payment","data":{"id":"`+paymentID+`"}}`, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var out WebhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal webhook response: %v", err)
	}
	return out
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	c := createContract(t, srv, "c-100")
	if c.EscrowStatus != "CREATED" || c.GrossAmount != "1000.00" || c.PlatformPct != "7" {
		t.Fatalf("unexpected contract %+v", c)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/c-100/escrow/deposit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %s", res.StatusCode, string(data))
	}
	var pref PreferenceResponse
	if err := json.Unmarshal(data, &pref); err != nil {
		t.Fatalf("unmarshal preference: %v", err)
	}
	if pref.ExternalReference != "c-100" || pref.InitPoint == "" {
		t.Fatalf("unexpected preference %+v", pref)
	}

	if out := fund(t, srv, "c-100", "pay-1"); !out.OK || out.EntryID == "" {
		t.Fatalf("unexpected webhook outcome %+v", out)
	}
	// redelivery is acknowledged without a second deposit
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/sandbox", `{"data":{"id":"pay-1"}}`, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/c-100/escrow/release", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, string(data))
	}
	var rel ReleaseResponse
	if err := json.Unmarshal(data, &rel); err != nil {
		t.Fatalf("unmarshal release: %v", err)
	}
	if rel.Fees.PlatformFee != "70.00" || rel.Fees.ProviderFee != "30.00" || rel.Fees.Net != "900.00" {
		t.Fatalf("unexpected fees %+v", rel.Fees)
	}
	if !rel.Enqueued || rel.ReleaseTxID == "" || rel.Contract.EscrowStatus != "RELEASED" {
		t.Fatalf("unexpected release %+v", rel)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/c-100/escrow/release", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second release: expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Code != "invalid_state" {
		t.Fatalf("unexpected error envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/c-100/ledger", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger status %d: %s", res.StatusCode, string(data))
	}
	var entries []LedgerEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if len(entries) != 2 || entries[0].EntryType != "DEPOSIT" || entries[1].EntryType != "RELEASE" {
		t.Fatalf("unexpected ledger %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/payouts?status=queued", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("payouts status %d: %s", res.StatusCode, string(data))
	}
	var jobs []PayoutJobResponse
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].LedgerEntryID != rel.ReleaseTxID || jobs[0].NetAmount != "900.00" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payouts/"+rel.ReleaseTxID+"/requeue", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("requeue of queued job: expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/c-100/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil || len(evts) < 3 {
		t.Fatalf("expected audit events, got %s", string(data))
	}
}

func TestRefundOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	createContract(t, srv, "c-r")
	fund(t, srv, "c-r", "pay-r")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts/c-r/escrow/refund", map[string]any{"provider_tx_id": "other"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("refund with foreign tx: expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts/c-r/escrow/refund", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refund status %d: %s", res.StatusCode, string(data))
	}
	var ref RefundResponse
	if err := json.Unmarshal(data, &ref); err != nil {
		t.Fatalf("unmarshal refund: %v", err)
	}
	if ref.Contract.EscrowStatus != "REFUNDED" || ref.ProviderResponse.Amount != "1000.00" || ref.RefundTxID == "" {
		t.Fatalf("unexpected refund %+v", ref)
	}
	if _, ok := srv.Sandbox.Refunds()["pay-r"]; !ok {
		t.Fatalf("provider refund not issued")
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts/c-r/escrow/release", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("release after refund: expected 409, got %d", res.StatusCode)
	}
}

func TestWebhookOutcomes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/stripe", `{"data":{"id":"x"}}`, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown provider: expected 404, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/sandbox", `{"hello":"world"}`, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("unresolved: expected 202, got %d: %s", res.StatusCode, string(data))
	}
	var out WebhookResponse
	if err := json.Unmarshal(data, &out); err != nil || out.OK || out.Reason != "unresolved_reference" {
		t.Fatalf("unexpected unresolved response %s", string(data))
	}

	srv.Sandbox.AddPayment(gateway.Payment{ID: "pay-late", ExternalReference: "c-late", Amount: 100000})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/sandbox", `{"data":{"id":"pay-late"}}`, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("missing contract: expected 202, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil || out.NotificationID == "" {
		t.Fatalf("unexpected response %s", string(data))
	}
	lateID := out.NotificationID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications/unresolved", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications status %d: %s", res.StatusCode, string(data))
	}
	var open []NotificationResponse
	if err := json.Unmarshal(data, &open); err != nil || len(open) != 2 {
		t.Fatalf("expected two open notifications, got %s", string(data))
	}

	createContract(t, srv, "c-late")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+lateID+"/retry", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil || !out.OK || out.EntryID == "" {
		t.Fatalf("unexpected retry response %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/c-late", nil, nil)
	var c ContractResponse
	if err := json.Unmarshal(data, &c); err != nil || c.EscrowStatus != "HELD" {
		t.Fatalf("retried contract not held: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookSignature(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Sandbox.WebhookSecret = "whsec"
	createContract(t, srv, "c-sig")
	srv.Sandbox.AddPayment(gateway.Payment{ID: "pay-sig", ExternalReference: "c-sig", Amount: 100000})
	body := `{"data":{"id":"pay-sig"}}`

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/sandbox", body, map[string]string{
		gateway.HeaderSignature: "ts=1,v1=00",
		gateway.HeaderRequestID: "req-1",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", res.StatusCode)
	}

	ts := "1700000000"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/sandbox", body, map[string]string{
		gateway.HeaderSignature: gateway.Sign("whsec", "pay-sig", "req-2", ts),
		gateway.HeaderRequestID: "req-2",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signed webhook: expected 200, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"client_id": "a", "worker_id": "b", "gross_amount": "10.005",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("sub-cent amount: expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"client_id": "a", "worker_id": "b", "gross_amount": "10.00", "platform_pct": "101",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("rate above 100%%: expected 400, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing contract: expected 404, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/missing/escrow/release", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("release of missing contract: expected 404, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/payouts?status=lost", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown payout status: expected 400, got %d", res.StatusCode)
	}
}

func TestProviderOutageMapsTo503(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	createContract(t, srv, "c-down")
	srv.Sandbox.Fail = func(op string) error { return gateway.ErrProviderUnavailable }

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts/c-down/escrow/deposit", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/sandbox", `{"data":{"id":"pay-x"}}`, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("webhook during outage: expected 503, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + signed}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"id": "c-auth", "client_id": "a", "worker_id": "b", "gross_amount": "50.00",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("authorized create: expected 201, got %d: %s", res.StatusCode, string(data))
	}
	events, err := srv.Repo.ListEvents(context.Background(), "c-auth", 10)
	if err != nil || len(events) == 0 || events[0].ActorID != "ops-1" {
		t.Fatalf("expected event attributed to token subject, got %+v %v", events, err)
	}

	for _, p := range []string{"/v0/health", "/v0/openapi.json"} {
		res, _ = doJSON(t, client, http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s should be public, got %d", p, res.StatusCode)
		}
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/sandbox", `{"hello":"world"}`, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook must bypass bearer auth, got %d", res.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logging.Discard()
	sb := gateway.NewSandbox()
	dispatcher := payout.NewDispatcher(conn, payout.NopPublisher{}, 3, logger)
	e := engine.New(conn, sb, dispatcher, engine.Settings{PlatformFeeRate: 700}, logger)
	handler, err := New(Config{
		Engine:      e,
		Reconciler:  reconcile.New(sb, e, repo.Repo{DB: conn}, nil, logger),
		Dispatcher:  dispatcher,
		CORSOrigins: []string{"https://app.example.com"},
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/v0/contracts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/v0/contracts", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q for foreign origin", got)
	}
}

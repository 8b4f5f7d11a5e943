package reconcile_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/gateway"
	"escrowline/internal/migrate"
	"escrowline/internal/reconcile"
	"escrowline/internal/repo"
)

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]reconcile.Outcome
}

func (g *memoryGuard) Lookup(ctx context.Context, digest string) (reconcile.Outcome, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.seen[digest]
	return out, ok, nil
}

func (g *memoryGuard) Store(ctx context.Context, digest string, out reconcile.Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = map[string]reconcile.Outcome{}
	}
	if _, ok := g.seen[digest]; !ok {
		g.seen[digest] = out
	}
	return nil
}

type testEnv struct {
	Ctx        context.Context
	Engine     engine.Engine
	Repo       repo.Repo
	Sandbox    *gateway.Sandbox
	Reconciler *reconcile.Reconciler
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	sb := gateway.NewSandbox()
	eng := engine.New(conn, sb, nil, engine.Settings{PlatformFeeRate: 700}, nil)
	eng.Now = now
	r := reconcile.New(sb, eng, repo.Repo{DB: conn}, nil, nil)
	r.Now = now
	return testEnv{Ctx: context.Background(), Engine: eng, Repo: repo.Repo{DB: conn}, Sandbox: sb, Reconciler: r}
}

func (env testEnv) contract(t *testing.T, id string) {
	t.Helper()
	if _, err := env.Engine.CreateContract(env.Ctx, engine.ContractInput{ID: id, ClientID: "client", WorkerID: "worker", Gross: 100000}); err != nil {
		t.Fatalf("create contract: %v", err)
	}
}

func notification(body string) gateway.Notification {
	return gateway.Notification{Body: []byte(body), Headers: http.Header{}}
}

func TestDuplicateNotificationAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_123", ExternalReference: "c1", Amount: 100000, ProviderFee: 3000})

	first, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"type":"payment","data":{"id":"pay_123"}}`))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.OK || first.Replayed || first.EntryID == "" {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"type":"payment","data":{"id":"pay_123"},"action":"payment.updated"}`))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.OK || !second.Replayed || second.EntryID != first.EntryID {
		t.Fatalf("expected replay of %s, got %+v", first.EntryID, second)
	}

	entries, _ := env.Engine.ListLedger(env.Ctx, "c1")
	if len(entries) != 1 || entries[0].ProviderTxID != "pay_123" || entries[0].ProviderFeeAmount != 3000 {
		t.Fatalf("unexpected ledger %+v", entries)
	}
	c, _ := env.Engine.GetContract(env.Ctx, "c1")
	if c.Status != domain.EscrowHeld || c.ProviderFeeAmount != 3000 {
		t.Fatalf("unexpected contract %+v", c)
	}
}

func TestConcurrentDuplicatesConverge(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_7", ExternalReference: "c1", Amount: 100000, ProviderFee: 100})

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"data":{"id":"pay_7"}}`))
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !out.OK {
				t.Errorf("delivery failed: %+v %v", out, err)
				return
			}
			ids[out.EntryID] = true
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("expected all deliveries to report one entry, got %v", ids)
	}
	entries, _ := env.Engine.ListLedger(env.Ctx, "c1")
	if len(entries) != 1 {
		t.Fatalf("expected one deposit, got %d", len(entries))
	}
}

func TestUnresolvedNotificationIsStored(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	body := `{"hello":"world"}`
	out, err := env.Reconciler.HandleNotification(env.Ctx, notification(body))
	if !errors.Is(err, domain.ErrUnresolvedReference) {
		t.Fatalf("expected ErrUnresolvedReference, got %v", err)
	}
	if out.OK || out.NotificationID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	stored, err := env.Repo.GetUnresolvedNotification(env.Ctx, out.NotificationID)
	if err != nil {
		t.Fatalf("stored notification: %v", err)
	}
	if string(stored.Payload) != body || stored.Reason != domain.ReasonUnresolvedReference || stored.Provider != "sandbox" {
		t.Fatalf("unexpected stored notification %+v", stored)
	}

	c, _ := env.Engine.GetContract(env.Ctx, "c1")
	if c.Status != domain.EscrowCreated {
		t.Fatalf("unidentified payload changed contract to %s", c.Status)
	}
	if entries, _ := env.Engine.ListLedger(env.Ctx, "c1"); len(entries) != 0 {
		t.Fatalf("unidentified payload wrote ledger entries %+v", entries)
	}
}

func TestUnderpaymentIsStoredNotApplied(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_low", ExternalReference: "c1", Amount: 100, ProviderFee: 5})

	out, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"data":{"id":"pay_low"}}`))
	if !errors.Is(err, domain.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if out.OK || out.Reason != string(domain.ReasonAmountMismatch) || out.NotificationID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	c, _ := env.Engine.GetContract(env.Ctx, "c1")
	if c.Status != domain.EscrowCreated {
		t.Fatalf("underpaid contract moved to %s", c.Status)
	}
	if entries, _ := env.Engine.ListLedger(env.Ctx, "c1"); len(entries) != 0 {
		t.Fatalf("underpayment wrote ledger entries %+v", entries)
	}
	stored, err := env.Repo.GetUnresolvedNotification(env.Ctx, out.NotificationID)
	if err != nil || stored.Reason != domain.ReasonAmountMismatch || stored.ProviderTxID != "pay_low" {
		t.Fatalf("unexpected stored notification %+v %v", stored, err)
	}
}

func TestPayloadReferenceIsNotTrusted(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_other", Amount: 100000})

	out, err := env.Reconciler.HandleNotification(env.Ctx,
		notification(`{"data":{"id":"pay_other"},"external_reference":"c1"}`))
	if !errors.Is(err, domain.ErrUnresolvedReference) {
		t.Fatalf("expected ErrUnresolvedReference, got %v", err)
	}
	if out.OK {
		t.Fatalf("unexpected outcome %+v", out)
	}
	c, _ := env.Engine.GetContract(env.Ctx, "c1")
	if c.Status != domain.EscrowCreated {
		t.Fatalf("payload reference funded contract: %s", c.Status)
	}
}

func TestContractNotFoundThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_9", ExternalReference: "late", Amount: 100000, ProviderFee: 500})

	out, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"data":{"id":"pay_9"}}`))
	if !errors.Is(err, domain.ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}
	open, _ := env.Repo.ListUnresolvedNotifications(env.Ctx, false, 0)
	if len(open) != 1 || open[0].Reason != domain.ReasonContractNotFound || open[0].ExternalReference != "late" {
		t.Fatalf("unexpected open notifications %+v", open)
	}

	env.contract(t, "late")
	res, err := env.Reconciler.Retry(env.Ctx, out.NotificationID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.OK || res.EntryID == "" {
		t.Fatalf("unexpected retry outcome %+v", res)
	}
	open, _ = env.Repo.ListUnresolvedNotifications(env.Ctx, false, 0)
	if len(open) != 0 {
		t.Fatalf("notification still open after retry: %+v", open)
	}
	if _, err := env.Reconciler.Retry(env.Ctx, out.NotificationID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second retry: expected ErrInvalidState, got %v", err)
	}
}

func TestUnapprovedPaymentIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_p", ExternalReference: "c1", Status: "pending"})
	out, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"data":{"id":"pay_p"}}`))
	if err != nil || !out.OK || out.Reason != reconcile.ReasonNotApproved {
		t.Fatalf("unexpected outcome %+v %v", out, err)
	}
	c, _ := env.Engine.GetContract(env.Ctx, "c1")
	if c.Status != domain.EscrowCreated {
		t.Fatalf("pending payment must not fund contract, got %s", c.Status)
	}
}

func TestBadSignatureIsRejectedAndStored(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.WebhookSecret = "whsec"
	n := notification(`{"data":{"id":"pay_1"}}`)
	n.Headers.Set(gateway.HeaderSignature, "ts=1,v1=deadbeef")
	if _, err := env.Reconciler.HandleNotification(env.Ctx, n); !errors.Is(err, gateway.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	open, _ := env.Repo.ListUnresolvedNotifications(env.Ctx, false, 0)
	if len(open) != 1 || open[0].Reason != domain.ReasonRejectedSignature {
		t.Fatalf("unexpected stored notifications %+v", open)
	}
	if open[0].Headers[gateway.HeaderSignature] != "ts=1,v1=deadbeef" {
		t.Fatalf("signature header not kept: %+v", open[0].Headers)
	}
}

func TestBadSignatureStoreFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	env.Sandbox.WebhookSecret = "whsec"
	var logs bytes.Buffer
	env.Reconciler.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	env.Repo.DB.Close()

	n := notification(`{"data":{"id":"pay_1"}}`)
	n.Headers.Set(gateway.HeaderSignature, "ts=1,v1=deadbeef")
	if _, err := env.Reconciler.HandleNotification(env.Ctx, n); !errors.Is(err, gateway.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if !strings.Contains(logs.String(), "rejected notification was not stored") {
		t.Fatalf("store failure not logged: %s", logs.String())
	}
}

func TestProviderOutageIsNotStored(t *testing.T) {
	env := newTestEnv(t)
	env.contract(t, "c1")
	env.Sandbox.Fail = func(op string) error { return gateway.ErrProviderUnavailable }
	if _, err := env.Reconciler.HandleNotification(env.Ctx, notification(`{"data":{"id":"pay_1"}}`)); !errors.Is(err, gateway.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	open, _ := env.Repo.ListUnresolvedNotifications(env.Ctx, true, 0)
	if len(open) != 0 {
		t.Fatalf("outage must be redelivered by the provider, not stored: %+v", open)
	}
}

func TestGuardSkipsProviderOnRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.Reconciler.Guard = &memoryGuard{}
	env.contract(t, "c1")
	env.Sandbox.AddPayment(gateway.Payment{ID: "pay_g", ExternalReference: "c1", Amount: 100000})
	body := `{"data":{"id":"pay_g"}}`

	first, err := env.Reconciler.HandleNotification(env.Ctx, notification(body))
	if err != nil {
		t.Fatal(err)
	}
	env.Sandbox.Fail = func(op string) error {
		t.Errorf("provider called on guarded redelivery: %s", op)
		return gateway.ErrProviderUnavailable
	}
	second, err := env.Reconciler.HandleNotification(env.Ctx, notification(body))
	if err != nil {
		t.Fatalf("guarded redelivery: %v", err)
	}
	if !second.Replayed || second.EntryID != first.EntryID {
		t.Fatalf("unexpected guarded outcome %+v", second)
	}
}

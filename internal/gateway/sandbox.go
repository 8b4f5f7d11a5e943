package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"escrowline/internal/money"
)

// Sandbox is an in-memory provider for local runs and tests. Payments are
// registered with AddPayment and looked up by notifications.
type Sandbox struct {
	WebhookSecret string
	// Fail, when set, is consulted before every call; a non-nil error is
	// returned as the call result.
	Fail func(op string) error

	mu       sync.Mutex
	payments map[string]Payment
	refunds  map[string]RefundResult
	prefs    int
}

func NewSandbox() *Sandbox {
	return &Sandbox{payments: map[string]Payment{}, refunds: map[string]RefundResult{}}
}

func (s *Sandbox) Name() string { return "sandbox" }

// AddPayment registers a payment the provider will report.
func (s *Sandbox) AddPayment(p Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payments == nil {
		s.payments = map[string]Payment{}
	}
	if p.Status == "" {
		p.Status = StatusApproved
	}
	if p.Raw == nil {
		p.Raw, _ = json.Marshal(map[string]any{
			"id": p.ID, "status": p.Status, "external_reference": p.ExternalReference,
			"transaction_amount": p.Amount.Decimal(), "fee": p.ProviderFee.Decimal(),
		})
	}
	s.payments[p.ID] = p
}

// Refunds returns the refunds issued so far keyed by provider tx id.
func (s *Sandbox) Refunds() map[string]RefundResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RefundResult, len(s.refunds))
	for k, v := range s.refunds {
		out[k] = v
	}
	return out
}

func (s *Sandbox) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Sandbox) CreatePreference(ctx context.Context, in PreferenceInput) (Preference, error) {
	if err := s.fail("create preference"); err != nil {
		return Preference{}, err
	}
	s.mu.Lock()
	s.prefs++
	n := s.prefs
	s.mu.Unlock()
	id := fmt.Sprintf("sandbox-pref-%d", n)
	return Preference{
		ID:                id,
		InitPoint:         "https://sandbox.invalid/checkout/" + id,
		SandboxInitPoint:  "https://sandbox.invalid/checkout/" + id,
		ExternalReference: in.ContractID,
	}, nil
}

func (s *Sandbox) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	if err := s.fail("get payment"); err != nil {
		return Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, &ProviderError{Op: "get payment", StatusCode: 404, Body: "payment " + paymentID + " not found", Kind: ErrProviderRejected}
	}
	return p, nil
}

func (s *Sandbox) VerifyNotification(ctx context.Context, n Notification) (VerifiedNotification, error) {
	parsed := parseNotification(n.Body)
	if s.WebhookSecret != "" {
		if err := VerifySignature(s.WebhookSecret, n.Headers, parsed.PaymentID); err != nil {
			return VerifiedNotification{}, err
		}
	}
	if parsed.PaymentID == "" {
		return unknownNotification(parsed, n.Body), nil
	}
	p, err := s.GetPayment(ctx, parsed.PaymentID)
	if err != nil {
		return VerifiedNotification{}, err
	}
	return VerifiedNotification{
		Status:            p.Status,
		Amount:            p.Amount,
		ProviderFee:       p.ProviderFee,
		ProviderTxID:      p.ID,
		ExternalReference: p.ExternalReference,
		Raw:               p.Raw,
	}, nil
}

// Refund is idempotent per provider transaction, like the real provider with
// an idempotency key.
func (s *Sandbox) Refund(ctx context.Context, providerTxID string, amount money.Amount) (RefundResult, error) {
	if err := s.fail("refund"); err != nil {
		return RefundResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.refunds[providerTxID]; ok {
		return r, nil
	}
	if _, ok := s.payments[providerTxID]; !ok {
		return RefundResult{}, &ProviderError{Op: "refund", StatusCode: 404, Body: "payment " + providerTxID + " not found", Kind: ErrProviderRejected}
	}
	id := uuid.NewString()
	raw, _ := json.Marshal(map[string]any{"id": id, "payment_id": providerTxID, "status": "approved", "amount": amount.Decimal()})
	r := RefundResult{ID: id, Status: "approved", Amount: amount, Raw: raw}
	s.refunds[providerTxID] = r
	return r, nil
}

// Package gateway isolates the payment provider behind a capability
// interface. Only the adapters in this package know provider wire formats.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"escrowline/internal/money"
)

var (
	// ErrProviderTransient is retried inside the adapter and never returned
	// to callers.
	ErrProviderTransient   = errors.New("provider transient failure")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrSignatureInvalid    = errors.New("notification signature invalid")
)

const (
	StatusApproved = "approved"
	StatusUnknown  = "unknown"
)

type Gateway interface {
	// Name identifies the provider, e.g. in webhook routes.
	Name() string
	CreatePreference(ctx context.Context, in PreferenceInput) (Preference, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	VerifyNotification(ctx context.Context, n Notification) (VerifiedNotification, error)
	Refund(ctx context.Context, providerTxID string, amount money.Amount) (RefundResult, error)
}

type PreferenceInput struct {
	ContractID   string
	Amount       money.Amount
	Description  string
	Currency     string
	ReturnTarget string
}

type Preference struct {
	ID                string          `json:"id"`
	InitPoint         string          `json:"init_point"`
	SandboxInitPoint  string          `json:"sandbox_init_point,omitempty"`
	ExternalReference string          `json:"external_reference"`
	Raw               json.RawMessage `json:"-"`
}

type Payment struct {
	ID                string
	Status            string
	ExternalReference string
	Amount            money.Amount
	ProviderFee       money.Amount
	Raw               json.RawMessage
}

// Notification is an inbound provider callback exactly as received.
type Notification struct {
	Body    []byte
	Headers http.Header
}

// VerifiedNotification is the normalized form of a notification. When the
// payload carried a payment id, every field comes from the provider's own
// record of that payment and nothing from the payload is trusted.
type VerifiedNotification struct {
	Status string
	// Amount is what the payer actually paid.
	Amount            money.Amount
	ProviderFee       money.Amount
	ProviderTxID      string
	ExternalReference string
	Raw               json.RawMessage
}

type RefundResult struct {
	ID     string
	Status string
	Amount money.Amount
	Raw    json.RawMessage
}

// ProviderError carries the provider response behind a classified failure.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Kind       error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// classifyStatus maps an HTTP status from the provider to an error kind.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return ErrProviderTransient
	default:
		return ErrProviderRejected
	}
}

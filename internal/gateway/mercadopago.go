package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/money"
)

const DefaultMercadoPagoURL = "https://api.mercadopago.com"

// MercadoPago talks to the Mercado Pago REST API.
type MercadoPago struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	HTTPClient    *http.Client
	Retry         RetryPolicy
}

type MercadoPagoConfig struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

func NewMercadoPago(cfg MercadoPagoConfig) (*MercadoPago, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("mercadopago: access token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultMercadoPagoURL
	}
	policy := DefaultRetryPolicy()
	if cfg.Timeout > 0 {
		policy.AttemptTimeout = cfg.Timeout
	}
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	return &MercadoPago{
		BaseURL:       base,
		AccessToken:   cfg.AccessToken,
		WebhookSecret: cfg.WebhookSecret,
		HTTPClient:    &http.Client{},
		Retry:         policy,
	}, nil
}

func (m *MercadoPago) Name() string { return "mercadopago" }

type mpItem struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Quantity    int         `json:"quantity"`
	CurrencyID  string      `json:"currency_id,omitempty"`
	UnitPrice   json.Number `json:"unit_price"`
}

type mpBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type mpPreferenceRequest struct {
	Items             []mpItem    `json:"items"`
	ExternalReference string      `json:"external_reference"`
	BackURLs          *mpBackURLs `json:"back_urls,omitempty"`
	AutoReturn        string      `json:"auto_return,omitempty"`
	BinaryMode        bool        `json:"binary_mode"`
}

type mpPreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type mpPayment struct {
	ID                 flexibleID      `json:"id"`
	Status             string          `json:"status"`
	ExternalReference  string          `json:"external_reference"`
	TransactionAmount  decimal.Decimal `json:"transaction_amount"`
	TransactionDetails struct {
		TotalPaidAmount   decimal.Decimal `json:"total_paid_amount"`
		NetReceivedAmount decimal.Decimal `json:"net_received_amount"`
	} `json:"transaction_details"`
}

type mpRefundResponse struct {
	ID     flexibleID      `json:"id"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

func (m *MercadoPago) CreatePreference(ctx context.Context, in PreferenceInput) (Preference, error) {
	title := in.Description
	if title == "" {
		title = "Contract " + in.ContractID
	}
	req := mpPreferenceRequest{
		Items: []mpItem{{
			Title:       title,
			Description: in.Description,
			Quantity:    1,
			CurrencyID:  in.Currency,
			UnitPrice:   json.Number(in.Amount.String()),
		}},
		ExternalReference: in.ContractID,
		BinaryMode:        true,
	}
	if in.ReturnTarget != "" {
		req.BackURLs = &mpBackURLs{Success: in.ReturnTarget, Failure: in.ReturnTarget, Pending: in.ReturnTarget}
		req.AutoReturn = "approved"
	}
	var resp mpPreferenceResponse
	raw, err := m.call(ctx, "create preference", http.MethodPost, "/checkout/preferences", "", req, &resp)
	if err != nil {
		return Preference{}, err
	}
	return Preference{
		ID:                resp.ID,
		InitPoint:         resp.InitPoint,
		SandboxInitPoint:  resp.SandboxInitPoint,
		ExternalReference: in.ContractID,
		Raw:               raw,
	}, nil
}

func (m *MercadoPago) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return Payment{}, fmt.Errorf("get payment: empty id: %w", ErrProviderRejected)
	}
	var p mpPayment
	raw, err := m.call(ctx, "get payment", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), "", nil, &p)
	if err != nil {
		return Payment{}, err
	}
	amount, err := money.FromDecimal(p.TransactionAmount.Round(2))
	if err != nil {
		return Payment{}, fmt.Errorf("payment %s amount: %w", paymentID, err)
	}
	return Payment{
		ID:                firstNonEmpty(string(p.ID), paymentID),
		Status:            p.Status,
		ExternalReference: p.ExternalReference,
		Amount:            amount,
		ProviderFee:       providerFee(p.TransactionDetails.TotalPaidAmount, p.TransactionDetails.NetReceivedAmount),
		Raw:               raw,
	}, nil
}

// providerFee is what the provider kept: total paid minus net received.
func providerFee(totalPaid, netReceived decimal.Decimal) money.Amount {
	fee := totalPaid.Sub(netReceived).Round(2)
	if fee.IsNegative() {
		return 0
	}
	a, err := money.FromDecimal(fee)
	if err != nil {
		return 0
	}
	return a
}

func (m *MercadoPago) VerifyNotification(ctx context.Context, n Notification) (VerifiedNotification, error) {
	parsed := parseNotification(n.Body)
	if m.WebhookSecret != "" {
		if err := VerifySignature(m.WebhookSecret, n.Headers, parsed.PaymentID); err != nil {
			return VerifiedNotification{}, err
		}
	}
	if parsed.PaymentID == "" {
		return unknownNotification(parsed, n.Body), nil
	}
	p, err := m.GetPayment(ctx, parsed.PaymentID)
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

func (m *MercadoPago) Refund(ctx context.Context, providerTxID string, amount money.Amount) (RefundResult, error) {
	if strings.TrimSpace(providerTxID) == "" {
		return RefundResult{}, fmt.Errorf("refund: empty provider transaction id: %w", ErrProviderRejected)
	}
	body := map[string]json.Number{"amount": json.Number(amount.String())}
	var resp mpRefundResponse
	// the idempotency key makes retried refunds safe on the provider side
	raw, err := m.call(ctx, "refund", http.MethodPost, "/v1/payments/"+url.PathEscape(providerTxID)+"/refunds",
		"refund-"+providerTxID, body, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	refunded, err := money.FromDecimal(resp.Amount.Round(2))
	if err != nil {
		refunded = amount
	}
	return RefundResult{ID: string(resp.ID), Status: resp.Status, Amount: refunded, Raw: raw}, nil
}

// call performs one logical request through the retry policy and decodes a
// 2xx JSON body into out.
func (m *MercadoPago) call(ctx context.Context, op, method, path, idempotencyKey string, in, out any) (json.RawMessage, error) {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}
	var raw []byte
	err := m.Retry.Do(ctx, op, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, m.BaseURL+path, body)
		if err != nil {
			return &ProviderError{Op: op, Kind: ErrProviderRejected, Body: err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+m.AccessToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("X-Idempotency-Key", idempotencyKey)
		}
		resp, err := m.client().Do(req)
		if err != nil {
			return &ProviderError{Op: op, Kind: ErrProviderTransient, Body: err.Error()}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &ProviderError{Op: op, Kind: ErrProviderTransient, Body: err.Error()}
		}
		if kind := classifyStatus(resp.StatusCode); kind != nil {
			return &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), 512), Kind: kind}
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &ProviderError{Op: op, Kind: ErrProviderRejected, Body: "decode response: " + err.Error()}
		}
	}
	return rawJSON(raw), nil
}

func (m *MercadoPago) client() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package escrowlinesdk

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
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Contract mirrors the API contract model. Amounts are decimal strings.
type Contract struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	WorkerID            string `json:"worker_id"`
	Description         string `json:"description,omitempty"`
	Currency            string `json:"currency"`
	GrossAmount         string `json:"gross_amount"`
	PlatformPct         string `json:"platform_pct"`
	EscrowStatus        string `json:"escrow_status"`
	PlatformFeeAmount   string `json:"platform_fee_amount"`
	ProviderFeeAmount   string `json:"provider_fee_amount"`
	NetAmount           string `json:"net_amount"`
	DepositProviderTxID string `json:"deposit_provider_tx_id,omitempty"`
	CreatedAt           string `json:"created_at"`
	StatusChangedAt     string `json:"status_changed_at"`
}

type CreateContractInput struct {
	ID          string  `json:"id,omitempty"`
	ClientID    string  `json:"client_id"`
	WorkerID    string  `json:"worker_id"`
	GrossAmount string  `json:"gross_amount"`
	PlatformPct *string `json:"platform_pct,omitempty"`
	Description string  `json:"description,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

type LedgerEntry struct {
	ID                string `json:"id"`
	ContractID        string `json:"contract_id"`
	EntryType         string `json:"entry_type"`
	Amount            string `json:"amount"`
	PlatformFeeAmount string `json:"platform_fee_amount"`
	ProviderFeeAmount string `json:"provider_fee_amount"`
	NetAmount         string `json:"net_amount"`
	ProviderTxID      string `json:"provider_tx_id,omitempty"`
	PayoutID          string `json:"payout_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type Preference struct {
	PreferenceID      string `json:"preference_id"`
	InitPoint         string `json:"init_point"`
	SandboxInitPoint  string `json:"sandbox_init_point,omitempty"`
	ExternalReference string `json:"external_reference"`
}

type Fees struct {
	PlatformFee string `json:"platform_fee"`
	ProviderFee string `json:"provider_fee"`
	Net         string `json:"net"`
}

type Release struct {
	ReleaseTxID    string   `json:"release_tx_id"`
	Fees           Fees     `json:"fees"`
	PayoutEnqueued bool     `json:"payout_enqueued"`
	Contract       Contract `json:"contract"`
}

type Refund struct {
	RefundTxID       string `json:"refund_tx_id"`
	ProviderResponse struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount string `json:"amount"`
	} `json:"provider_response"`
	Contract Contract `json:"contract"`
}

type PayoutJob struct {
	LedgerEntryID    string `json:"ledger_entry_id"`
	ContractID       string `json:"contract_id"`
	WorkerID         string `json:"worker_id"`
	NetAmount        string `json:"net_amount"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts"`
	MaxAttempts      int    `json:"max_attempts"`
	NextAttemptAt    string `json:"next_attempt_at"`
	LastError        string `json:"last_error,omitempty"`
	ProviderPayoutID string `json:"provider_payout_id,omitempty"`
}

type Notification struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	Reason            string            `json:"reason"`
	ExternalReference string            `json:"external_reference,omitempty"`
	ProviderTxID      string            `json:"provider_tx_id,omitempty"`
	Payload           string            `json:"payload"`
	Headers           map[string]string `json:"headers,omitempty"`
	ReceivedAt        string            `json:"received_at"`
	ResolvedAt        string            `json:"resolved_at,omitempty"`
}

// NotificationOutcome is returned by the webhook and retry endpoints.
type NotificationOutcome struct {
	OK             bool   `json:"ok"`
	Reason         string `json:"reason,omitempty"`
	ContractID     string `json:"contract_id,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateContract(ctx context.Context, in CreateContractInput) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", in, &resp)
	return resp, err
}

func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListContracts filters by escrow status when status is not empty.
func (c *Client) ListContracts(ctx context.Context, status string, limit int) ([]Contract, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Contract
	err := c.do(ctx, http.MethodGet, withQuery("contracts", q), nil, &resp)
	return resp, err
}

func (c *Client) Ledger(ctx context.Context, contractID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(contractID)+"/ledger", nil, &resp)
	return resp, err
}

// RequestDeposit returns the checkout link for funding a contract.
func (c *Client) RequestDeposit(ctx context.Context, contractID, returnURL string) (Preference, error) {
	var body any
	if returnURL != "" {
		body = map[string]string{"return_url": returnURL}
	}
	var resp Preference
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(contractID)+"/escrow/deposit", body, &resp)
	return resp, err
}

func (c *Client) Release(ctx context.Context, contractID string) (Release, error) {
	var resp Release
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(contractID)+"/escrow/release", nil, &resp)
	return resp, err
}

// Refund refunds the deposit identified by providerTxID, or the funding
// deposit when it is empty.
func (c *Client) Refund(ctx context.Context, contractID, providerTxID string) (Refund, error) {
	var body any
	if providerTxID != "" {
		body = map[string]string{"provider_tx_id": providerTxID}
	}
	var resp Refund
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(contractID)+"/escrow/refund", body, &resp)
	return resp, err
}

func (c *Client) Payouts(ctx context.Context, status string) ([]PayoutJob, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []PayoutJob
	err := c.do(ctx, http.MethodGet, withQuery("payouts", q), nil, &resp)
	return resp, err
}

func (c *Client) RequeuePayout(ctx context.Context, releaseEntryID string) (PayoutJob, error) {
	var resp PayoutJob
	err := c.do(ctx, http.MethodPost, "payouts/"+url.PathEscape(releaseEntryID)+"/requeue", nil, &resp)
	return resp, err
}

func (c *Client) UnresolvedNotifications(ctx context.Context) ([]Notification, error) {
	var resp []Notification
	err := c.do(ctx, http.MethodGet, "notifications/unresolved", nil, &resp)
	return resp, err
}

func (c *Client) RetryNotification(ctx context.Context, id string) (NotificationOutcome, error) {
	var resp NotificationOutcome
	err := c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

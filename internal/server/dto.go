package server

import (
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/money"
	"escrowline/internal/reconcile"
)

// Request payloads

type CreateContractRequest struct {
	ID          string  `json:"id,omitempty"`
	ClientID    string  `json:"client_id"`
	WorkerID    string  `json:"worker_id"`
	GrossAmount string  `json:"gross_amount" example:"1000.00" doc:"Decimal amount with at most two places"`
	PlatformPct *string `json:"platform_pct,omitempty" example:"7" doc:"Overrides the configured platform fee percentage"`
	Description string  `json:"description,omitempty"`
	Currency    string  `json:"currency,omitempty" example:"BRL"`
}

type DepositRequest struct {
	ReturnURL string `json:"return_url,omitempty" doc:"Where the provider sends the payer after checkout"`
}

type RefundRequest struct {
	ProviderTxID string `json:"provider_tx_id" doc:"Provider transaction id of the deposit being refunded"`
}

// Response payloads

type ContractResponse struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	WorkerID            string `json:"worker_id"`
	Description         string `json:"description,omitempty"`
	Currency            string `json:"currency"`
	GrossAmount         string `json:"gross_amount"`
	PlatformPct         string `json:"platform_pct"`
	EscrowStatus        string `json:"escrow_status" enum:"CREATED,HELD,RELEASED,REFUNDED"`
	PlatformFeeAmount   string `json:"platform_fee_amount"`
	ProviderFeeAmount   string `json:"provider_fee_amount"`
	NetAmount           string `json:"net_amount"`
	DepositProviderTxID string `json:"deposit_provider_tx_id,omitempty"`
	CreatedAt           string `json:"created_at"`
	StatusChangedAt     string `json:"status_changed_at"`
}

type LedgerEntryResponse struct {
	ID                string `json:"id"`
	ContractID        string `json:"contract_id"`
	EntryType         string `json:"entry_type" enum:"DEPOSIT,RELEASE,REFUND"`
	Amount            string `json:"amount"`
	PlatformFeeAmount string `json:"platform_fee_amount"`
	ProviderFeeAmount string `json:"provider_fee_amount"`
	NetAmount         string `json:"net_amount"`
	ProviderTxID      string `json:"provider_tx_id,omitempty"`
	PayoutID          string `json:"payout_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type PreferenceResponse struct {
	PreferenceID      string `json:"preference_id"`
	InitPoint         string `json:"init_point"`
	SandboxInitPoint  string `json:"sandbox_init_point,omitempty"`
	ExternalReference string `json:"external_reference"`
}

type FeesResponse struct {
	PlatformFee string `json:"platform_fee"`
	ProviderFee string `json:"provider_fee"`
	Net         string `json:"net"`
}

type ReleaseResponse struct {
	ReleaseTxID string           `json:"release_tx_id"`
	Fees        FeesResponse     `json:"fees"`
	Enqueued    bool             `json:"payout_enqueued"`
	Contract    ContractResponse `json:"contract"`
}

type ProviderRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount string `json:"amount"`
}

type RefundResponse struct {
	RefundTxID       string                 `json:"refund_tx_id"`
	ProviderResponse ProviderRefundResponse `json:"provider_response"`
	Contract         ContractResponse       `json:"contract"`
}

type PayoutJobResponse struct {
	LedgerEntryID    string `json:"ledger_entry_id"`
	ContractID       string `json:"contract_id"`
	WorkerID         string `json:"worker_id"`
	NetAmount        string `json:"net_amount"`
	Status           string `json:"status" enum:"queued,in_flight,completed,dead"`
	Attempts         int    `json:"attempts"`
	MaxAttempts      int    `json:"max_attempts"`
	NextAttemptAt    string `json:"next_attempt_at"`
	ClaimedBy        string `json:"claimed_by,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	ProviderPayoutID string `json:"provider_payout_id,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

type NotificationResponse struct {
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

type WebhookResponse struct {
	OK             bool   `json:"ok"`
	Reason         string `json:"reason,omitempty"`
	ContractID     string `json:"contract_id,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ContractID string `json:"contract_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Mapping helpers

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ID:                  c.ID,
		ClientID:            c.ClientID,
		WorkerID:            c.WorkerID,
		Description:         c.Description,
		Currency:            c.Currency,
		GrossAmount:         c.GrossAmount.String(),
		PlatformPct:         c.PlatformFeeRate.String(),
		EscrowStatus:        string(c.Status),
		PlatformFeeAmount:   c.PlatformFeeAmount.String(),
		ProviderFeeAmount:   c.ProviderFeeAmount.String(),
		NetAmount:           c.NetAmount.String(),
		DepositProviderTxID: c.DepositProviderTxID,
		CreatedAt:           c.CreatedAt,
		StatusChangedAt:     c.StatusChangedAt,
	}
}

func mapContracts(items []domain.Contract) []ContractResponse {
	out := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, contractResponse(c))
	}
	return out
}

func entryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:                e.ID,
		ContractID:        e.ContractID,
		EntryType:         string(e.Type),
		Amount:            e.Amount.String(),
		PlatformFeeAmount: e.PlatformFeeAmount.String(),
		ProviderFeeAmount: e.ProviderFeeAmount.String(),
		NetAmount:         e.NetAmount.String(),
		ProviderTxID:      e.ProviderTxID,
		PayoutID:          e.PayoutID,
		CreatedAt:         e.CreatedAt,
	}
}

func feesResponse(f money.Fees) FeesResponse {
	return FeesResponse{
		PlatformFee: f.PlatformFee.String(),
		ProviderFee: f.ProviderFee.String(),
		Net:         f.Net.String(),
	}
}

func releaseResponse(res engine.ReleaseResult) ReleaseResponse {
	return ReleaseResponse{
		ReleaseTxID: res.Entry.ID,
		Fees:        feesResponse(res.Fees),
		Enqueued:    res.Enqueued,
		Contract:    contractResponse(res.Contract),
	}
}

func refundResponse(res engine.RefundResult) RefundResponse {
	return RefundResponse{
		RefundTxID: res.Entry.ID,
		ProviderResponse: ProviderRefundResponse{
			ID:     res.Provider.ID,
			Status: res.Provider.Status,
			Amount: res.Provider.Amount.String(),
		},
		Contract: contractResponse(res.Contract),
	}
}

func jobResponse(j domain.PayoutJob) PayoutJobResponse {
	return PayoutJobResponse{
		LedgerEntryID:    j.LedgerEntryID,
		ContractID:       j.ContractID,
		WorkerID:         j.WorkerID,
		NetAmount:        j.NetAmount.String(),
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		NextAttemptAt:    j.NextAttemptAt,
		ClaimedBy:        j.ClaimedBy,
		LastError:        j.LastError,
		ProviderPayoutID: j.ProviderPayoutID,
		UpdatedAt:        j.UpdatedAt,
	}
}

func notificationResponse(n domain.UnresolvedNotification) NotificationResponse {
	return NotificationResponse{
		ID:                n.ID,
		Provider:          n.Provider,
		Reason:            string(n.Reason),
		ExternalReference: n.ExternalReference,
		ProviderTxID:      n.ProviderTxID,
		Payload:           string(n.Payload),
		Headers:           n.Headers,
		ReceivedAt:        n.ReceivedAt,
		ResolvedAt:        n.ResolvedAt,
	}
}

func webhookResponse(out reconcile.Outcome) WebhookResponse {
	return WebhookResponse{
		OK:             out.OK,
		Reason:         out.Reason,
		ContractID:     out.ContractID,
		EntryID:        out.EntryID,
		NotificationID: out.NotificationID,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ContractID: e.ContractID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.PayloadJSON,
	}
}

package domain

import "escrowline/internal/money"

type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "CREATED"
	EscrowHeld     EscrowStatus = "HELD"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// Terminal reports whether no further escrow transition is possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowCreated, EscrowHeld, EscrowReleased, EscrowRefunded:
		return true
	}
	return false
}

type EntryType string

const (
	EntryDeposit EntryType = "DEPOSIT"
	EntryRelease EntryType = "RELEASE"
	EntryRefund  EntryType = "REFUND"
)

type PayoutStatus string

const (
	PayoutQueued    PayoutStatus = "queued"
	PayoutInFlight  PayoutStatus = "in_flight"
	PayoutCompleted PayoutStatus = "completed"
	PayoutDead      PayoutStatus = "dead"
)

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutQueued, PayoutInFlight, PayoutCompleted, PayoutDead:
		return true
	}
	return false
}

type Contract struct {
	ID                  string       `json:"id"`
	ClientID            string       `json:"client_id"`
	WorkerID            string       `json:"worker_id"`
	Description         string       `json:"description,omitempty"`
	Currency            string       `json:"currency"`
	GrossAmount         money.Amount `json:"gross_amount"`
	PlatformFeeRate     money.Rate   `json:"platform_fee_bps"`
	Status              EscrowStatus `json:"escrow_status"`
	PlatformFeeAmount   money.Amount `json:"platform_fee_amount"`
	ProviderFeeAmount   money.Amount `json:"provider_fee_amount"`
	NetAmount           money.Amount `json:"net_amount"`
	DepositProviderTxID string       `json:"deposit_provider_tx_id,omitempty"`
	CreatedAt           string       `json:"created_at"`
	StatusChangedAt     string       `json:"status_changed_at"`
}

type LedgerEntry struct {
	ID                string       `json:"id"`
	ContractID        string       `json:"contract_id"`
	Type              EntryType    `json:"entry_type"`
	Amount            money.Amount `json:"amount"`
	PlatformFeeAmount money.Amount `json:"platform_fee_amount"`
	ProviderFeeAmount money.Amount `json:"provider_fee_amount"`
	NetAmount         money.Amount `json:"net_amount"`
	ProviderTxID      string       `json:"provider_tx_id,omitempty"`
	PayoutID          string       `json:"payout_id,omitempty"`
	CreatedAt         string       `json:"created_at"`
}

// PayoutJob is the durable record behind a queued payout. Its key is the
// RELEASE ledger entry id.
type PayoutJob struct {
	LedgerEntryID    string       `json:"ledger_entry_id"`
	ContractID       string       `json:"contract_id"`
	WorkerID         string       `json:"worker_id"`
	NetAmount        money.Amount `json:"net_amount"`
	Status           PayoutStatus `json:"status"`
	Attempts         int          `json:"attempts"`
	MaxAttempts      int          `json:"max_attempts"`
	NextAttemptAt    string       `json:"next_attempt_at"`
	ClaimedBy        string       `json:"claimed_by,omitempty"`
	ClaimedAt        string       `json:"claimed_at,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	ProviderPayoutID string       `json:"provider_payout_id,omitempty"`
	CreatedAt        string       `json:"created_at"`
	UpdatedAt        string       `json:"updated_at"`
}

type UnresolvedReason string

const (
	ReasonUnresolvedReference UnresolvedReason = "unresolved_reference"
	ReasonContractNotFound    UnresolvedReason = "contract_not_found"
	ReasonRejectedSignature   UnresolvedReason = "rejected_signature"
	ReasonProviderRejected    UnresolvedReason = "provider_rejected"
	ReasonInvalidState        UnresolvedReason = "invalid_state"
	ReasonAmountMismatch      UnresolvedReason = "amount_mismatch"
)

// UnresolvedNotification is a provider notification kept verbatim for review.
type UnresolvedNotification struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	Reason            UnresolvedReason  `json:"reason"`
	ExternalReference string            `json:"external_reference,omitempty"`
	ProviderTxID      string            `json:"provider_tx_id,omitempty"`
	Payload           []byte            `json:"payload"`
	Headers           map[string]string `json:"headers,omitempty"`
	ReceivedAt        string            `json:"received_at"`
	ResolvedAt        string            `json:"resolved_at,omitempty"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	ContractID  string `json:"contract_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

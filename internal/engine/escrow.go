package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/gateway"
	"escrowline/internal/money"
	"escrowline/internal/repo"
)

type DepositResult struct {
	Entry    domain.LedgerEntry
	Contract domain.Contract
	// Replayed is set when the provider transaction had already been
	// applied and nothing changed.
	Replayed bool
}

type ReleaseResult struct {
	Entry    domain.LedgerEntry
	Contract domain.Contract
	Fees     money.Fees
	// Enqueued is false when handing the job to the dispatcher failed; the
	// recovery sweep picks it up later.
	Enqueued bool
}

type RefundResult struct {
	Entry    domain.LedgerEntry
	Contract domain.Contract
	Provider gateway.RefundResult
}

// ConfirmDeposit records a provider-confirmed payment and moves the
// contract to HELD. Applying the same provider transaction twice returns
// the original entry.
func (e Engine) ConfirmDeposit(ctx context.Context, contractID, providerTxID string, providerFee money.Amount) (DepositResult, error) {
	if providerTxID == "" {
		return DepositResult{}, fmt.Errorf("%w: provider transaction id is required", domain.ErrInvalidInput)
	}
	if providerFee < 0 {
		return DepositResult{}, fmt.Errorf("%w: negative provider fee", money.ErrInvalidAmount)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DepositResult{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.FindDepositByProviderTx(ctx, tx, providerTxID); err == nil {
		return e.replayedDeposit(ctx, existing, contractID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return DepositResult{}, err
	}

	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return DepositResult{}, fmt.Errorf("contract %s: %w", contractID, domain.ErrContractNotFound)
	}
	if err != nil {
		return DepositResult{}, err
	}
	if err := ensureEscrowTransition(c.Status, domain.EscrowHeld); err != nil {
		return DepositResult{}, fmt.Errorf("confirm deposit %s for contract %s: %w", providerTxID, contractID, err)
	}

	now := e.timestamp()
	entry := domain.LedgerEntry{
		ID:                uuid.NewString(),
		ContractID:        c.ID,
		Type:              domain.EntryDeposit,
		Amount:            c.GrossAmount,
		ProviderFeeAmount: providerFee,
		ProviderTxID:      providerTxID,
		CreatedAt:         now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// lost a race with a concurrent delivery of the same payment
			tx.Rollback()
			existing, ferr := e.Repo.FindDepositByProviderTx(ctx, nil, providerTxID)
			if ferr != nil {
				return DepositResult{}, fmt.Errorf("re-read deposit %s: %w", providerTxID, ferr)
			}
			return e.replayedDeposit(ctx, existing, contractID)
		}
		return DepositResult{}, err
	}
	ok, err := e.Repo.TransitionContract(ctx, tx, repo.ContractTransition{
		ContractID:          c.ID,
		From:                domain.EscrowCreated,
		To:                  domain.EscrowHeld,
		ProviderFeeAmount:   providerFee,
		DepositProviderTxID: providerTxID,
		At:                  now,
	})
	if err != nil {
		return DepositResult{}, err
	}
	if !ok {
		return DepositResult{}, fmt.Errorf("%w: contract %s left CREATED concurrently", domain.ErrInvalidState, c.ID)
	}
	if err := e.events().Append(ctx, tx, events.EscrowHeld, c.ID, "ledger_entry", entry.ID, events.SystemActor, events.EventPayload{
		"provider_tx_id": providerTxID, "amount": entry.Amount.String(), "provider_fee_amount": providerFee.String(),
	}); err != nil {
		return DepositResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DepositResult{}, err
	}

	c.Status = domain.EscrowHeld
	c.ProviderFeeAmount = providerFee
	c.DepositProviderTxID = providerTxID
	c.StatusChangedAt = now
	e.Logger.Info("deposit confirmed", "contract_id", c.ID, "provider_tx_id", providerTxID, "entry_id", entry.ID)
	return DepositResult{Entry: entry, Contract: c}, nil
}

func (e Engine) replayedDeposit(ctx context.Context, existing domain.LedgerEntry, contractID string) (DepositResult, error) {
	if existing.ContractID != contractID {
		return DepositResult{}, fmt.Errorf("%w: provider transaction %s already funded contract %s",
			domain.ErrInvalidState, existing.ProviderTxID, existing.ContractID)
	}
	c, err := e.Repo.GetContract(ctx, nil, existing.ContractID)
	if err != nil {
		return DepositResult{}, err
	}
	return DepositResult{Entry: existing, Contract: c, Replayed: true}, nil
}

// Release settles a HELD contract in favour of the worker. The RELEASE
// entry, fee fields and status change commit together; the payout job is
// enqueued only after that commit.
func (e Engine) Release(ctx context.Context, contractID, actorID string) (ReleaseResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return ReleaseResult{}, fmt.Errorf("contract %s: %w", contractID, domain.ErrNotFound)
	}
	if err != nil {
		return ReleaseResult{}, err
	}
	if err := ensureEscrowTransition(c.Status, domain.EscrowReleased); err != nil {
		return ReleaseResult{}, fmt.Errorf("release contract %s: %w", contractID, err)
	}
	fees, err := money.ComputeFees(c.GrossAmount, c.PlatformFeeRate, 0, c.ProviderFeeAmount)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release contract %s: %w", contractID, err)
	}

	now := e.timestamp()
	ok, err := e.Repo.TransitionContract(ctx, tx, repo.ContractTransition{
		ContractID:        c.ID,
		From:              domain.EscrowHeld,
		To:                domain.EscrowReleased,
		PlatformFeeAmount: fees.PlatformFee,
		ProviderFeeAmount: fees.ProviderFee,
		NetAmount:         fees.Net,
		At:                now,
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	if !ok {
		return ReleaseResult{}, fmt.Errorf("%w: contract %s is no longer HELD or is being refunded", domain.ErrInvalidState, c.ID)
	}
	entry := domain.LedgerEntry{
		ID:                uuid.NewString(),
		ContractID:        c.ID,
		Type:              domain.EntryRelease,
		Amount:            c.GrossAmount,
		PlatformFeeAmount: fees.PlatformFee,
		ProviderFeeAmount: fees.ProviderFee,
		NetAmount:         fees.Net,
		CreatedAt:         now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return ReleaseResult{}, fmt.Errorf("%w: contract %s already settled", domain.ErrInvalidState, c.ID)
		}
		return ReleaseResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.EscrowReleased, c.ID, "ledger_entry", entry.ID, actorID, events.EventPayload{
		"gross_amount": c.GrossAmount.String(), "platform_fee_amount": fees.PlatformFee.String(),
		"provider_fee_amount": fees.ProviderFee.String(), "net_amount": fees.Net.String(),
	}); err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}

	c.Status = domain.EscrowReleased
	c.PlatformFeeAmount = fees.PlatformFee
	c.ProviderFeeAmount = fees.ProviderFee
	c.NetAmount = fees.Net
	c.StatusChangedAt = now
	res := ReleaseResult{Entry: entry, Contract: c, Fees: fees}

	if e.Payouts == nil {
		e.Logger.Warn("no payout dispatcher configured; job left for recovery sweep", "contract_id", c.ID, "entry_id", entry.ID)
		return res, nil
	}
	job := domain.PayoutJob{LedgerEntryID: entry.ID, ContractID: c.ID, WorkerID: c.WorkerID, NetAmount: fees.Net}
	if err := e.Payouts.Enqueue(ctx, job); err != nil {
		e.Logger.Error("payout enqueue failed after release commit; recovery sweep will re-enqueue",
			"contract_id", c.ID, "entry_id", entry.ID, "err", err)
		return res, nil
	}
	res.Enqueued = true
	e.Logger.Info("escrow released", "contract_id", c.ID, "entry_id", entry.ID, "net_amount", fees.Net.String())
	return res, nil
}

// Refund returns a HELD deposit to the client. The contract is claimed
// before the provider is called, so a concurrent release or refund fails
// with ErrInvalidState instead of settling the same escrow twice. The claim
// is dropped if the provider refuses; after a provider success it is only
// cleared by the REFUNDED transition.
func (e Engine) Refund(ctx context.Context, contractID, providerTxID, actorID string) (RefundResult, error) {
	if providerTxID == "" {
		return RefundResult{}, fmt.Errorf("%w: provider transaction id is required", domain.ErrInvalidInput)
	}
	c, claim, err := e.claimForRefund(ctx, contractID, providerTxID)
	if err != nil {
		return RefundResult{}, err
	}
	log := e.Logger.With("contract_id", c.ID, "provider_tx_id", providerTxID)

	provider, err := e.Gateway.Refund(ctx, providerTxID, c.GrossAmount)
	if err != nil {
		if ok, derr := e.Repo.DropSettlementClaim(context.WithoutCancel(ctx), nil, c.ID, claim); derr != nil || !ok {
			log.Error("drop refund claim after provider failure", "claimed", ok, "err", derr)
		}
		return RefundResult{}, fmt.Errorf("refund contract %s: %w", contractID, err)
	}

	entry, now, err := e.commitRefund(ctx, c, claim, providerTxID, provider, actorID)
	if err != nil {
		log.Error("provider refund issued but not recorded; contract stays claimed for review",
			"provider_refund_id", provider.ID, "err", err)
		return RefundResult{}, err
	}

	c.Status = domain.EscrowRefunded
	c.PlatformFeeAmount = 0
	c.NetAmount = c.GrossAmount - c.ProviderFeeAmount
	c.StatusChangedAt = now
	log.Info("escrow refunded", "entry_id", entry.ID, "provider_refund_id", provider.ID)
	return RefundResult{Entry: entry, Contract: c, Provider: provider}, nil
}

// claimForRefund checks that contractID is HELD and funded by providerTxID
// and marks it claimed by a fresh token.
func (e Engine) claimForRefund(ctx context.Context, contractID, providerTxID string) (domain.Contract, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, "", err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, "", fmt.Errorf("contract %s: %w", contractID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Contract{}, "", err
	}
	if err := ensureEscrowTransition(c.Status, domain.EscrowRefunded); err != nil {
		return domain.Contract{}, "", fmt.Errorf("refund contract %s: %w", contractID, err)
	}
	if c.DepositProviderTxID != "" && c.DepositProviderTxID != providerTxID {
		return domain.Contract{}, "", fmt.Errorf("%w: provider transaction %s did not fund contract %s",
			domain.ErrInvalidInput, providerTxID, contractID)
	}
	claim := "refund:" + uuid.NewString()
	ok, err := e.Repo.ClaimSettlement(ctx, tx, c.ID, claim, e.timestamp())
	if err != nil {
		return domain.Contract{}, "", err
	}
	if !ok {
		return domain.Contract{}, "", fmt.Errorf("%w: contract %s is already being settled", domain.ErrInvalidState, c.ID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, "", err
	}
	return c, claim, nil
}

func (e Engine) commitRefund(ctx context.Context, c domain.Contract, claim, providerTxID string, provider gateway.RefundResult, actorID string) (domain.LedgerEntry, string, error) {
	// the provider already moved money; finish recording it even if the
	// caller went away
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerEntry{}, "", err
	}
	defer tx.Rollback()

	now := e.timestamp()
	ok, err := e.Repo.TransitionContract(ctx, tx, repo.ContractTransition{
		ContractID:        c.ID,
		From:              domain.EscrowHeld,
		To:                domain.EscrowRefunded,
		ProviderFeeAmount: c.ProviderFeeAmount,
		NetAmount:         c.GrossAmount - c.ProviderFeeAmount,
		Claim:             claim,
		At:                now,
	})
	if err != nil {
		return domain.LedgerEntry{}, "", err
	}
	if !ok {
		tx.Rollback()
		e.recordRefundConflict(ctx, c, provider, actorID)
		return domain.LedgerEntry{}, "", fmt.Errorf("%w: contract %s lost its refund claim while the provider refund was in progress", domain.ErrInvalidState, c.ID)
	}
	entry := domain.LedgerEntry{
		ID:                uuid.NewString(),
		ContractID:        c.ID,
		Type:              domain.EntryRefund,
		Amount:            c.GrossAmount,
		ProviderFeeAmount: c.ProviderFeeAmount,
		ProviderTxID:      providerTxID,
		CreatedAt:         now,
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.LedgerEntry{}, "", fmt.Errorf("%w: contract %s already settled", domain.ErrInvalidState, c.ID)
		}
		return domain.LedgerEntry{}, "", err
	}
	if err := e.events().Append(ctx, tx, events.EscrowRefunded, c.ID, "ledger_entry", entry.ID, actorID, events.EventPayload{
		"provider_tx_id": providerTxID, "provider_refund_id": provider.ID, "amount": c.GrossAmount.String(),
	}); err != nil {
		return domain.LedgerEntry{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerEntry{}, "", err
	}
	return entry, now, nil
}

// recordRefundConflict leaves an audit trail when the provider refunded a
// deposit whose claim was taken away before the refund could be recorded.
func (e Engine) recordRefundConflict(ctx context.Context, c domain.Contract, provider gateway.RefundResult, actorID string) {
	e.Logger.Error("provider refund issued for a contract that was settled concurrently; manual review required",
		"contract_id", c.ID, "provider_refund_id", provider.ID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Logger.Error("record refund conflict", "contract_id", c.ID, "err", err)
		return
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.EscrowRefundConflict, c.ID, "contract", c.ID, actorID, events.EventPayload{
		"provider_refund_id": provider.ID, "amount": provider.Amount.String(),
	}); err != nil {
		e.Logger.Error("record refund conflict", "contract_id", c.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Error("record refund conflict", "contract_id", c.ID, "err", err)
	}
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/money"
)

// ErrPayoutRecorded means a different payout id is already on the entry.
var ErrPayoutRecorded = errors.New("payout id already recorded")

const entryColumns = `id,contract_id,entry_type,amount,platform_fee_amount,provider_fee_amount,net_amount,
COALESCE(provider_tx_id,''),COALESCE(payout_id,''),created_at`

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var (
		e                           domain.LedgerEntry
		amount, platform, prov, net int64
	)
	err := row.Scan(&e.ID, &e.ContractID, &e.Type, &amount, &platform, &prov, &net, &e.ProviderTxID, &e.PayoutID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Amount = money.Amount(amount)
	e.PlatformFeeAmount = money.Amount(platform)
	e.ProviderFeeAmount = money.Amount(prov)
	e.NetAmount = money.Amount(net)
	return e, nil
}

// InsertEntry appends a ledger entry. A second DEPOSIT for the same provider
// transaction, or a second RELEASE/REFUND for a contract, fails with
// ErrDuplicate.
func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO ledger_entries(id,contract_id,entry_type,amount,platform_fee_amount,
provider_fee_amount,net_amount,provider_tx_id,payout_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ContractID, string(e.Type), int64(e.Amount), int64(e.PlatformFeeAmount), int64(e.ProviderFeeAmount),
		int64(e.NetAmount), nullable(e.ProviderTxID), nullable(e.PayoutID), e.CreatedAt)
	return mapInsertErr("insert ledger entry", err)
}

func (r Repo) GetEntry(ctx context.Context, tx *sql.Tx, id string) (domain.LedgerEntry, error) {
	return scanEntry(r.conn(tx).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id=?`, id))
}

func (r Repo) FindDepositByProviderTx(ctx context.Context, tx *sql.Tx, providerTxID string) (domain.LedgerEntry, error) {
	return scanEntry(r.conn(tx).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE entry_type='DEPOSIT' AND provider_tx_id=?`, providerTxID))
}

// SettlementEntry returns the RELEASE or REFUND entry of a contract.
func (r Repo) SettlementEntry(ctx context.Context, tx *sql.Tx, contractID string, typ domain.EntryType) (domain.LedgerEntry, error) {
	return scanEntry(r.conn(tx).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE contract_id=? AND entry_type=?`, contractID, string(typ)))
}

func (r Repo) ListEntries(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE contract_id=? ORDER BY created_at, rowid`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetPayoutID records the provider payout id on a RELEASE entry exactly once.
// Writing the same id again is a no-op.
func (r Repo) SetPayoutID(ctx context.Context, tx *sql.Tx, entryID, payoutID string) error {
	if payoutID == "" {
		return fmt.Errorf("set payout id on %s: empty payout id", entryID)
	}
	res, err := r.conn(tx).ExecContext(ctx,
		`UPDATE ledger_entries SET payout_id=? WHERE id=? AND entry_type='RELEASE' AND payout_id IS NULL`, payoutID, entryID)
	if err != nil {
		return fmt.Errorf("set payout id on %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	e, err := r.GetEntry(ctx, tx, entryID)
	if err != nil {
		return err
	}
	if e.Type != domain.EntryRelease {
		return fmt.Errorf("set payout id on %s entry %s: %w", e.Type, entryID, domain.ErrInvalidInput)
	}
	if e.PayoutID == payoutID {
		return nil
	}
	return fmt.Errorf("entry %s has payout %s: %w", entryID, e.PayoutID, ErrPayoutRecorded)
}

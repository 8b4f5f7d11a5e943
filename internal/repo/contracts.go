package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/domain"
	"escrowline/internal/money"
)

const contractColumns = `id,client_id,worker_id,description,currency,gross_amount,platform_fee_bps,escrow_status,
platform_fee_amount,provider_fee_amount,net_amount,COALESCE(deposit_provider_tx_id,''),created_at,status_changed_at`

func scanContract(row scanner) (domain.Contract, error) {
	var (
		c                        domain.Contract
		gross, platform, prov, n int64
		bps                      int64
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.WorkerID, &c.Description, &c.Currency, &gross, &bps, &c.Status,
		&platform, &prov, &n, &c.DepositProviderTxID, &c.CreatedAt, &c.StatusChangedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.GrossAmount = money.Amount(gross)
	c.PlatformFeeRate = money.Rate(bps)
	c.PlatformFeeAmount = money.Amount(platform)
	c.ProviderFeeAmount = money.Amount(prov)
	c.NetAmount = money.Amount(n)
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO contracts(id,client_id,worker_id,description,currency,gross_amount,platform_fee_bps,
escrow_status,platform_fee_amount,provider_fee_amount,net_amount,deposit_provider_tx_id,created_at,status_changed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ClientID, c.WorkerID, c.Description, c.Currency, int64(c.GrossAmount), int64(c.PlatformFeeRate),
		string(c.Status), int64(c.PlatformFeeAmount), int64(c.ProviderFeeAmount), int64(c.NetAmount),
		nullable(c.DepositProviderTxID), c.CreatedAt, c.StatusChangedAt)
	return mapInsertErr("insert contract", err)
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.conn(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

type ContractFilters struct {
	Status   domain.EscrowStatus
	ClientID string
	WorkerID string
	Limit    int
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "escrow_status=?")
		args = append(args, string(f.Status))
	}
	if f.ClientID != "" {
		where = append(where, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	q := `SELECT ` + contractColumns + ` FROM contracts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, clampLimit(f.Limit, 100))

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ContractTransition describes a guarded escrow status change. Fee fields
// are written together with the status.
type ContractTransition struct {
	ContractID          string
	From                domain.EscrowStatus
	To                  domain.EscrowStatus
	PlatformFeeAmount   money.Amount
	ProviderFeeAmount   money.Amount
	NetAmount           money.Amount
	DepositProviderTxID string
	// Claim must match the contract's settlement claim; empty means the
	// contract must be unclaimed. The claim is cleared by the transition.
	Claim string
	At    string
}

// TransitionContract applies t only if the contract is still in t.From
// and carries the expected claim. It reports false when another writer
// moved or claimed the contract first.
func (r Repo) TransitionContract(ctx context.Context, tx *sql.Tx, t ContractTransition) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE contracts SET escrow_status=?, platform_fee_amount=?, provider_fee_amount=?, net_amount=?,
deposit_provider_tx_id=COALESCE(?, deposit_provider_tx_id), status_changed_at=?, settlement_claim=NULL, settlement_claimed_at=NULL
WHERE id=? AND escrow_status=? AND settlement_claim IS ?`,
		string(t.To), int64(t.PlatformFeeAmount), int64(t.ProviderFeeAmount), int64(t.NetAmount),
		nullable(t.DepositProviderTxID), t.At, t.ContractID, string(t.From), nullable(t.Claim))
	return affectedOne(res, err, "transition contract "+t.ContractID)
}

// ClaimSettlement marks a HELD contract as being settled by the holder of
// claim. It reports false if the contract is not HELD or already claimed.
func (r Repo) ClaimSettlement(ctx context.Context, tx *sql.Tx, contractID, claim, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE contracts SET settlement_claim=?, settlement_claimed_at=?
WHERE id=? AND escrow_status='HELD' AND settlement_claim IS NULL`, claim, at, contractID)
	return affectedOne(res, err, "claim contract "+contractID)
}

// DropSettlementClaim clears claim if the contract still carries it.
func (r Repo) DropSettlementClaim(ctx context.Context, tx *sql.Tx, contractID, claim string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE contracts SET settlement_claim=NULL, settlement_claimed_at=NULL
WHERE id=? AND settlement_claim=?`, contractID, claim)
	return affectedOne(res, err, "drop claim on contract "+contractID)
}

func affectedOne(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleasesWithoutJob returns RELEASED contracts whose RELEASE entry never
// got a payout job row, shaped as the job that should exist.
func (r Repo) ReleasesWithoutJob(ctx context.Context, limit int) ([]domain.PayoutJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT le.id, c.id, c.worker_id, le.net_amount
FROM ledger_entries le
JOIN contracts c ON c.id = le.contract_id
LEFT JOIN payout_jobs pj ON pj.ledger_entry_id = le.id
WHERE le.entry_type = 'RELEASE' AND c.escrow_status = 'RELEASED' AND pj.ledger_entry_id IS NULL
ORDER BY le.created_at LIMIT ?`, clampLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutJob
	for rows.Next() {
		var (
			j   domain.PayoutJob
			net int64
		)
		if err := rows.Scan(&j.LedgerEntryID, &j.ContractID, &j.WorkerID, &net); err != nil {
			return nil, err
		}
		j.NetAmount = money.Amount(net)
		res = append(res, j)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/money"
)

const jobColumns = `ledger_entry_id,contract_id,worker_id,net_amount,status,attempts,max_attempts,next_attempt_at,
COALESCE(claimed_by,''),COALESCE(claimed_at,''),COALESCE(last_error,''),COALESCE(provider_payout_id,''),created_at,updated_at`

func scanJob(row scanner) (domain.PayoutJob, error) {
	var (
		j   domain.PayoutJob
		net int64
	)
	err := row.Scan(&j.LedgerEntryID, &j.ContractID, &j.WorkerID, &net, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.NextAttemptAt, &j.ClaimedBy, &j.ClaimedAt, &j.LastError, &j.ProviderPayoutID, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.NetAmount = money.Amount(net)
	return j, err
}

// InsertPayoutJob creates the job row unless one already exists for the
// entry. It reports whether a row was written.
func (r Repo) InsertPayoutJob(ctx context.Context, tx *sql.Tx, j domain.PayoutJob) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO payout_jobs(ledger_entry_id,contract_id,worker_id,net_amount,status,attempts,
max_attempts,next_attempt_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(ledger_entry_id) DO NOTHING`,
		j.LedgerEntryID, j.ContractID, j.WorkerID, int64(j.NetAmount), string(domain.PayoutQueued), 0,
		j.MaxAttempts, j.NextAttemptAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payout job %s: %w", j.LedgerEntryID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetPayoutJob(ctx context.Context, tx *sql.Tx, key string) (domain.PayoutJob, error) {
	return scanJob(r.conn(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM payout_jobs WHERE ledger_entry_id=?`, key))
}

func (r Repo) ListPayoutJobs(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutJob, error) {
	q := `SELECT ` + jobColumns + ` FROM payout_jobs`
	var args []any
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at, ledger_entry_id LIMIT ?`
	args = append(args, clampLimit(limit, 100))
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimPayoutJob moves a due queued job to in_flight for workerID. It
// reports false when the job is missing, not due, or in any other status.
func (r Repo) ClaimPayoutJob(ctx context.Context, key, workerID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payout_jobs SET status='in_flight', claimed_by=?, claimed_at=?, updated_at=?
WHERE ledger_entry_id=? AND status='queued' AND next_attempt_at<=?`, workerID, now, now, key, now)
	if err != nil {
		return false, fmt.Errorf("claim payout job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompletePayoutJob marks a job claimed by workerID as completed.
func (r Repo) CompletePayoutJob(ctx context.Context, tx *sql.Tx, key, workerID, payoutID string, attempts int, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payout_jobs SET status='completed', attempts=?, provider_payout_id=?,
last_error=NULL, claimed_by=NULL, claimed_at=NULL, updated_at=?
WHERE ledger_entry_id=? AND status='in_flight' AND claimed_by=?`, attempts, payoutID, now, key, workerID)
	if err != nil {
		return false, fmt.Errorf("complete payout job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type JobFailure struct {
	Key           string
	WorkerID      string
	Attempts      int
	LastError     string
	NextAttemptAt string
	Dead          bool
	At            string
}

// FailPayoutJob records a failed attempt, returning the job to queued with
// a later next_attempt_at, or to dead.
func (r Repo) FailPayoutJob(ctx context.Context, tx *sql.Tx, f JobFailure) (bool, error) {
	status := domain.PayoutQueued
	if f.Dead {
		status = domain.PayoutDead
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payout_jobs SET status=?, attempts=?, last_error=?, next_attempt_at=?,
claimed_by=NULL, claimed_at=NULL, updated_at=?
WHERE ledger_entry_id=? AND status='in_flight' AND claimed_by=?`,
		string(status), f.Attempts, f.LastError, f.NextAttemptAt, f.At, f.Key, f.WorkerID)
	if err != nil {
		return false, fmt.Errorf("fail payout job %s: %w", f.Key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DuePayoutJobs lists keys of queued jobs whose next attempt is due.
func (r Repo) DuePayoutJobs(ctx context.Context, now string, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ledger_entry_id FROM payout_jobs WHERE status='queued' AND next_attempt_at<=?
ORDER BY next_attempt_at, ledger_entry_id LIMIT ?`, now, clampLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ReleaseStaleClaims returns in_flight jobs claimed before cutoff to queued.
// The attempt count is untouched; the abandoned attempt never reported.
func (r Repo) ReleaseStaleClaims(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payout_jobs SET status='queued', claimed_by=NULL, claimed_at=NULL,
next_attempt_at=?, updated_at=? WHERE status='in_flight' AND claimed_at<?`, now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return res.RowsAffected()
}

// RequeuePayoutJob moves a dead job back to queued with attempts reset.
func (r Repo) RequeuePayoutJob(ctx context.Context, tx *sql.Tx, key, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payout_jobs SET status='queued', attempts=0, next_attempt_at=?, updated_at=?
WHERE ledger_entry_id=? AND status='dead'`, now, now, key)
	if err != nil {
		return false, fmt.Errorf("requeue payout job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

const DefaultMaxAttempts = 8

// Dispatcher persists payout jobs and publishes their keys.
type Dispatcher struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Publisher   Publisher
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewDispatcher(db *sql.DB, pub Publisher, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if pub == nil {
		pub = NopPublisher{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Publisher:   pub,
		MaxAttempts: maxAttempts,
		Logger:      logger.With("component", "payout-dispatcher"),
		Now:         time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Enqueue creates the durable job row for a RELEASE entry and publishes its
// key. Enqueueing the same entry twice is a no-op. A publish failure is
// logged only; the job row exists and the sweep republishes it.
func (d *Dispatcher) Enqueue(ctx context.Context, job domain.PayoutJob) error {
	if job.LedgerEntryID == "" || job.ContractID == "" || job.WorkerID == "" {
		return fmt.Errorf("%w: payout job needs entry, contract and worker", domain.ErrInvalidInput)
	}
	now := formatTime(d.now())
	job.Status = domain.PayoutQueued
	job.MaxAttempts = d.MaxAttempts
	job.NextAttemptAt = now
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := d.Repo.InsertPayoutJob(ctx, tx, job)
	if err != nil {
		return err
	}
	if inserted {
		w := d.Events
		if w.Now == nil {
			w.Now = d.now
		}
		if err := w.Append(ctx, tx, events.PayoutEnqueued, job.ContractID, "payout_job", job.LedgerEntryID, events.SystemActor,
			events.EventPayload{"net_amount": job.NetAmount.String(), "worker_id": job.WorkerID}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := d.Publisher.Publish(ctx, job.LedgerEntryID); err != nil {
		d.Logger.Warn("publish payout job failed; sweep will republish", "entry_id", job.LedgerEntryID, "err", err)
	}
	return nil
}

// Requeue moves a dead job back to queued with its attempts reset.
func (d *Dispatcher) Requeue(ctx context.Context, key, actorID string) (domain.PayoutJob, error) {
	job, err := d.Repo.GetPayoutJob(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return job, fmt.Errorf("payout job %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return job, err
	}
	now := formatTime(d.now())
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	ok, err := d.Repo.RequeuePayoutJob(ctx, tx, key, now)
	if err != nil {
		return job, err
	}
	if !ok {
		return job, fmt.Errorf("%w: payout job %s is %s, only dead jobs can be requeued", domain.ErrInvalidState, key, job.Status)
	}
	w := d.Events
	if w.Now == nil {
		w.Now = d.now
	}
	if err := w.Append(ctx, tx, events.PayoutRequeued, job.ContractID, "payout_job", key, actorID,
		events.EventPayload{"previous_attempts": job.Attempts, "last_error": job.LastError}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	if err := d.Publisher.Publish(ctx, key); err != nil {
		d.Logger.Warn("publish requeued job failed; sweep will republish", "entry_id", key, "err", err)
	}
	return d.Repo.GetPayoutJob(ctx, nil, key)
}

func (d *Dispatcher) ListJobs(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutJob, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown payout status %q", domain.ErrInvalidInput, status)
	}
	return d.Repo.ListPayoutJobs(ctx, status, limit)
}

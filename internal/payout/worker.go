package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escrowline/internal/events"
	"escrowline/internal/repo"
)

type Result string

const (
	ResultCompleted Result = "completed"
	ResultRetry     Result = "retry"
	ResultDead      Result = "dead"
	// ResultSkipped means the key was not claimable: already completed,
	// dead, claimed by another worker, or not yet due.
	ResultSkipped Result = "skipped"
)

type Worker struct {
	ID          string
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Source      Source
	Payouter    Payouter
	Backoff     func(attempts int) time.Duration
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewWorker(id string, db *sql.DB, src Source, p Payouter, concurrency int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:          id,
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Source:      src,
		Payouter:    p,
		Backoff:     Backoff,
		Concurrency: concurrency,
		Logger:      logger.With("component", "payout-worker", "worker_id", id),
		Now:         time.Now,
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) backoff(attempts int) time.Duration {
	if w.Backoff != nil {
		return w.Backoff(attempts)
	}
	return Backoff(attempts)
}

func (w *Worker) events() events.Writer {
	e := w.Events
	if e.Now == nil {
		e.Now = w.now
	}
	return e
}

// Run pulls keys from the source and processes them on a fixed pool until
// ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n <= 0 {
		n = 1
	}
	deliveries := make(chan Delivery)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, d)
			}
		}()
	}
	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	w.Logger.Info("payout worker started", "concurrency", n)
	for {
		d, err := w.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.Logger.Info("payout worker stopping")
				return nil
			}
			w.Logger.Error("fetch payout job", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		select {
		case deliveries <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	res, err := w.Process(ctx, d.Key)
	if err != nil {
		// leave the delivery unacknowledged so the transport redelivers
		w.Logger.Error("process payout job", "entry_id", d.Key, "err", err)
		return
	}
	w.Logger.Debug("payout job processed", "entry_id", d.Key, "result", res)
	if d.Ack != nil {
		if err := d.Ack(ctx); err != nil {
			w.Logger.Warn("ack payout delivery", "entry_id", d.Key, "err", err)
		}
	}
}

// Process runs one attempt of the job identified by key. It returns an
// error only when the outcome could not be recorded.
func (w *Worker) Process(ctx context.Context, key string) (Result, error) {
	now := w.now()
	claimed, err := w.Repo.ClaimPayoutJob(ctx, key, w.ID, formatTime(now))
	if err != nil {
		return "", err
	}
	if !claimed {
		return ResultSkipped, nil
	}
	job, err := w.Repo.GetPayoutJob(ctx, nil, key)
	if err != nil {
		return "", err
	}
	attempts := job.Attempts + 1

	receipt, perr := w.Payouter.Payout(ctx, Request{
		IdempotencyKey: job.LedgerEntryID,
		ContractID:     job.ContractID,
		WorkerID:       job.WorkerID,
		Amount:         job.NetAmount,
	})
	if perr == nil && receipt.PayoutID == "" {
		perr = errors.New("payouter returned an empty payout id")
	}
	done := w.now()
	if perr == nil {
		if err := w.complete(ctx, job.ContractID, key, receipt.PayoutID, attempts, done); err != nil {
			return "", err
		}
		w.Logger.Info("payout completed", "entry_id", key, "contract_id", job.ContractID, "payout_id", receipt.PayoutID, "attempts", attempts)
		return ResultCompleted, nil
	}

	dead := attempts >= job.MaxAttempts
	next := done.Add(w.backoff(attempts))
	if err := w.fail(ctx, job.ContractID, key, attempts, perr, next, dead, done); err != nil {
		return "", err
	}
	if dead {
		w.Logger.Error("payout moved to dead letter; operator action required",
			"entry_id", key, "contract_id", job.ContractID, "attempts", attempts, "err", perr)
		return ResultDead, nil
	}
	w.Logger.Warn("payout attempt failed", "entry_id", key, "attempts", attempts, "next_attempt_at", formatTime(next), "err", perr)
	return ResultRetry, nil
}

func (w *Worker) complete(ctx context.Context, contractID, key, payoutID string, attempts int, at time.Time) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.SetPayoutID(ctx, tx, key, payoutID); err != nil {
		return err
	}
	ok, err := w.Repo.CompletePayoutJob(ctx, tx, key, w.ID, payoutID, attempts, formatTime(at))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("complete payout job %s: claim lost", key)
	}
	if err := w.events().Append(ctx, tx, events.PayoutCompleted, contractID, "payout_job", key, events.SystemActor,
		events.EventPayload{"payout_id": payoutID, "attempts": attempts}); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Worker) fail(ctx context.Context, contractID, key string, attempts int, cause error, next time.Time, dead bool, at time.Time) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := w.Repo.FailPayoutJob(ctx, tx, repo.JobFailure{
		Key:           key,
		WorkerID:      w.ID,
		Attempts:      attempts,
		LastError:     cause.Error(),
		NextAttemptAt: formatTime(next),
		Dead:          dead,
		At:            formatTime(at),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fail payout job %s: claim lost", key)
	}
	evt := events.PayoutFailed
	if dead {
		evt = events.PayoutDead
	}
	if err := w.events().Append(ctx, tx, evt, contractID, "payout_job", key, events.SystemActor,
		events.EventPayload{"attempts": attempts, "error": cause.Error()}); err != nil {
		return err
	}
	return tx.Commit()
}

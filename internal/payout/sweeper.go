package payout

import (
	"context"
	"log/slog"
	"time"

	"escrowline/internal/repo"
)

// Sweeper repairs the gaps left between committing a release and the
// payout queue.
type Sweeper struct {
	Repo       repo.Repo
	Dispatcher *Dispatcher
	// Republish is set for broker transports, where a queued job that lost
	// its message would otherwise never be delivered again.
	Republish         bool
	VisibilityTimeout time.Duration
	Batch             int
	Logger            *slog.Logger
	Now               func() time.Time
}

type SweepReport struct {
	Reenqueued  int `json:"reenqueued"`
	Reclaimed   int `json:"reclaimed"`
	Republished int `json:"republished"`
}

func NewSweeper(d *Dispatcher, republish bool, visibility time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Sweeper{
		Repo:              d.Repo,
		Dispatcher:        d,
		Republish:         republish,
		VisibilityTimeout: visibility,
		Batch:             100,
		Logger:            logger.With("component", "payout-sweeper"),
		Now:               time.Now,
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport

	missing, err := s.Repo.ReleasesWithoutJob(ctx, s.Batch)
	if err != nil {
		return rep, err
	}
	for _, job := range missing {
		if err := s.Dispatcher.Enqueue(ctx, job); err != nil {
			s.Logger.Error("re-enqueue released contract", "contract_id", job.ContractID, "entry_id", job.LedgerEntryID, "err", err)
			continue
		}
		s.Logger.Warn("re-enqueued payout missing after release", "contract_id", job.ContractID, "entry_id", job.LedgerEntryID)
		rep.Reenqueued++
	}

	now := s.now()
	n, err := s.Repo.ReleaseStaleClaims(ctx, formatTime(now.Add(-s.VisibilityTimeout)), formatTime(now))
	if err != nil {
		return rep, err
	}
	rep.Reclaimed = int(n)
	if n > 0 {
		s.Logger.Warn("returned stale in-flight payout jobs to queue", "count", n)
	}

	if s.Republish {
		keys, err := s.Repo.DuePayoutJobs(ctx, formatTime(now), s.Batch)
		if err != nil {
			return rep, err
		}
		for _, k := range keys {
			if err := s.Dispatcher.Publisher.Publish(ctx, k); err != nil {
				s.Logger.Error("republish payout job", "entry_id", k, "err", err)
				continue
			}
			rep.Republished++
		}
	}
	return rep, nil
}

// RunEvery sweeps on a ticker until ctx is canceled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if rep, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.Error("payout sweep", "err", err)
		} else if rep != (SweepReport{}) {
			s.Logger.Info("payout sweep", "reenqueued", rep.Reenqueued, "reclaimed", rep.Reclaimed, "republished", rep.Republished)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package payout

import (
	"context"
	"time"

	"escrowline/internal/repo"
)

// PollSource finds due jobs by polling payout_jobs. Acks are no-ops: the
// job row itself records progress.
type PollSource struct {
	Repo     repo.Repo
	Interval time.Duration
	Batch    int
	Now      func() time.Time

	pending  []string
	lastPoll time.Time
}

func NewPollSource(r repo.Repo, interval time.Duration, batch int) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &PollSource{Repo: r, Interval: interval, Batch: batch, Now: time.Now}
}

// Next is not safe for concurrent use; Worker.Run calls it from one loop.
func (s *PollSource) Next(ctx context.Context) (Delivery, error) {
	for len(s.pending) == 0 {
		if wait := s.Interval - time.Since(s.lastPoll); !s.lastPoll.IsZero() && wait > 0 {
			select {
			case <-ctx.Done():
				return Delivery{}, ctx.Err()
			case <-time.After(wait):
			}
		}
		s.lastPoll = time.Now()
		keys, err := s.Repo.DuePayoutJobs(ctx, formatTime(s.now()), s.Batch)
		if err != nil {
			return Delivery{}, err
		}
		s.pending = keys
	}
	key := s.pending[0]
	s.pending = s.pending[1:]
	return Delivery{Key: key, Ack: func(context.Context) error { return nil }}, nil
}

func (s *PollSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *PollSource) Close() error { return nil }

// Package payout moves released funds to workers asynchronously. The
// payout_jobs table is the source of truth; transports only carry job keys.
package payout

import (
	"context"
	"time"

	"escrowline/internal/money"
)

// Publisher announces that a job key is ready to be processed.
type Publisher interface {
	Publish(ctx context.Context, key string) error
	Close() error
}

// Delivery is one job key handed to a worker. Ack is called after the key
// was processed, successfully or not, so the transport can move on.
type Delivery struct {
	Key string
	Ack func(ctx context.Context) error
}

// Source yields job keys to workers.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Request asks the payout mechanism to move money to a worker.
// IdempotencyKey is stable across retries of the same job.
type Request struct {
	IdempotencyKey string
	ContractID     string
	WorkerID       string
	Amount         money.Amount
}

type Receipt struct {
	PayoutID string
}

// Payouter is the outbound payout mechanism.
type Payouter interface {
	Payout(ctx context.Context, req Request) (Receipt, error)
}

// NopPublisher is used with the sql transport, where workers discover due
// jobs by polling.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string) error { return nil }
func (NopPublisher) Close() error                          { return nil }

// Backoff returns the delay before the next attempt after `attempts`
// failures: 5s doubling, capped at 10m.
func Backoff(attempts int) time.Duration {
	const (
		base = 5 * time.Second
		max  = 10 * time.Minute
	)
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

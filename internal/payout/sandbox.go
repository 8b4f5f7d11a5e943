package payout

import (
	"context"

	"github.com/google/uuid"
)

var payoutNamespace = uuid.MustParse("6f1c1b0e-2f4e-4c59-9a49-5a8f3f0d7c21")

// SandboxPayouter pretends to move money. The payout id is derived from the
// idempotency key, so retries of one job always report the same payout.
type SandboxPayouter struct{}

func (SandboxPayouter) Payout(ctx context.Context, req Request) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	return Receipt{PayoutID: "po_" + uuid.NewSHA1(payoutNamespace, []byte(req.IdempotencyKey)).String()}, nil
}

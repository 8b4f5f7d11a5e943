package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the settlement core.
const (
	ContractCreated        = "contract.created"
	EscrowHeld             = "escrow.held"
	EscrowReleased         = "escrow.released"
	EscrowRefunded         = "escrow.refunded"
	EscrowRefundConflict   = "escrow.refund_conflict"
	PayoutEnqueued         = "payout.enqueued"
	PayoutCompleted        = "payout.completed"
	PayoutFailed           = "payout.failed"
	PayoutDead             = "payout.dead"
	PayoutRequeued         = "payout.requeued"
	NotificationUnresolved = "notification.unresolved"
	NotificationResolved   = "notification.resolved"
)

// SystemActor is recorded when no caller identity is known.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the
// state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, contractID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,contract_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(contractID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

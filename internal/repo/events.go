package repo

import (
	"context"

	"escrowline/internal/domain"
)

func (r Repo) ListEvents(ctx context.Context, contractID string, limit int) ([]domain.Event, error) {
	q := `SELECT id,ts,type,COALESCE(contract_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if contractID != "" {
		q += ` WHERE contract_id=?`
		args = append(args, contractID)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, clampLimit(limit, 200))
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ContractID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

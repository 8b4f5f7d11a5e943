package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

const notificationColumns = `id,provider,reason,COALESCE(external_reference,''),COALESCE(provider_tx_id,''),payload,headers_json,
received_at,COALESCE(resolved_at,'')`

func scanNotification(row scanner) (domain.UnresolvedNotification, error) {
	var (
		n       domain.UnresolvedNotification
		headers string
	)
	err := row.Scan(&n.ID, &n.Provider, &n.Reason, &n.ExternalReference, &n.ProviderTxID, &n.Payload, &headers,
		&n.ReceivedAt, &n.ResolvedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &n.Headers); err != nil {
			return n, fmt.Errorf("decode headers of notification %s: %w", n.ID, err)
		}
	}
	return n, nil
}

func (r Repo) InsertUnresolvedNotification(ctx context.Context, tx *sql.Tx, n domain.UnresolvedNotification) error {
	headers := n.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hdr, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	payload := n.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO unresolved_notifications(id,provider,reason,external_reference,provider_tx_id,
payload,headers_json,received_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.Provider, string(n.Reason), nullable(n.ExternalReference), nullable(n.ProviderTxID), payload, string(hdr), n.ReceivedAt)
	return mapInsertErr("insert unresolved notification", err)
}

func (r Repo) GetUnresolvedNotification(ctx context.Context, id string) (domain.UnresolvedNotification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM unresolved_notifications WHERE id=?`, id))
}

// ListUnresolvedNotifications returns open notifications, newest first,
// or every notification when includeResolved is set.
func (r Repo) ListUnresolvedNotifications(ctx context.Context, includeResolved bool, limit int) ([]domain.UnresolvedNotification, error) {
	q := `SELECT ` + notificationColumns + ` FROM unresolved_notifications`
	if !includeResolved {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY received_at DESC, id LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, clampLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UnresolvedNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationResolved(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE unresolved_notifications SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("resolve notification %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

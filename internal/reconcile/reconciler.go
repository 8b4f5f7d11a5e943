// Package reconcile turns provider notifications into confirmed deposits.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/events"
	"escrowline/internal/gateway"
	"escrowline/internal/money"
	"escrowline/internal/repo"
)

// Confirmer applies a verified payment to a contract.
type Confirmer interface {
	ConfirmDeposit(ctx context.Context, contractID, providerTxID string, providerFee money.Amount) (engine.DepositResult, error)
}

// Outcome is what the notification endpoint reports back.
type Outcome struct {
	OK             bool   `json:"ok"`
	Reason         string `json:"reason,omitempty"`
	ContractID     string `json:"contract_id,omitempty"`
	ProviderTxID   string `json:"provider_tx_id,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

const (
	ReasonNotApproved = "payment_not_approved"
	ReasonReplay      = "already_applied"
)

// headersKept are stored with unresolved notifications so a retry can
// verify the signature again.
var headersKept = []string{gateway.HeaderSignature, gateway.HeaderRequestID, "Content-Type", "User-Agent"}

type Reconciler struct {
	Gateway gateway.Gateway
	Engine  Confirmer
	Repo    repo.Repo
	Events  events.Writer
	// Guard is optional.
	Guard  Guard
	Logger *slog.Logger
	Now    func() time.Time

	persistDisabled bool
}

func New(gw gateway.Gateway, confirmer Confirmer, r repo.Repo, guard Guard, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		Gateway: gw,
		Engine:  confirmer,
		Repo:    r,
		Guard:   guard,
		Logger:  logger.With("component", "reconciler"),
		Now:     time.Now,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// HandleNotification verifies a provider notification and applies it.
// Payloads that cannot be tied to a contract are stored for review before
// the error is returned.
func (r *Reconciler) HandleNotification(ctx context.Context, n gateway.Notification) (Outcome, error) {
	digest := bodyDigest(n.Body)
	if out, ok := r.guardLookup(ctx, digest); ok {
		return out, nil
	}

	v, err := r.Gateway.VerifyNotification(ctx, n)
	switch {
	case errors.Is(err, gateway.ErrSignatureInvalid):
		id, perr := r.persist(ctx, n, domain.ReasonRejectedSignature, "", "")
		if perr != nil {
			r.Logger.Error("rejected notification was not stored", "reason", domain.ReasonRejectedSignature, "err", perr)
		}
		return Outcome{OK: false, Reason: string(domain.ReasonRejectedSignature), NotificationID: id}, err
	case errors.Is(err, gateway.ErrProviderRejected):
		id, perr := r.persist(ctx, n, domain.ReasonProviderRejected, "", "")
		if perr != nil {
			r.Logger.Error("rejected notification was not stored", "reason", domain.ReasonProviderRejected, "err", perr)
		}
		return Outcome{OK: false, Reason: string(domain.ReasonProviderRejected), NotificationID: id}, err
	case err != nil:
		// provider unavailable: let the provider redeliver
		return Outcome{}, err
	}

	if v.ExternalReference == "" || v.ProviderTxID == "" {
		id, perr := r.persist(ctx, n, domain.ReasonUnresolvedReference, v.ExternalReference, v.ProviderTxID)
		if perr != nil {
			return Outcome{}, perr
		}
		return Outcome{OK: false, Reason: string(domain.ReasonUnresolvedReference), NotificationID: id},
			fmt.Errorf("notification without payment id or external reference: %w", domain.ErrUnresolvedReference)
	}
	log := r.Logger.With("contract_id", v.ExternalReference, "provider_tx_id", v.ProviderTxID)

	c, err := r.Repo.GetContract(ctx, nil, v.ExternalReference)
	if errors.Is(err, repo.ErrNotFound) {
		id, perr := r.persist(ctx, n, domain.ReasonContractNotFound, v.ExternalReference, v.ProviderTxID)
		if perr != nil {
			return Outcome{}, perr
		}
		return Outcome{OK: false, Reason: string(domain.ReasonContractNotFound), NotificationID: id},
			fmt.Errorf("contract %s: %w", v.ExternalReference, domain.ErrContractNotFound)
	} else if err != nil {
		return Outcome{}, err
	}

	if existing, err := r.Repo.FindDepositByProviderTx(ctx, nil, v.ProviderTxID); err == nil {
		out := Outcome{OK: true, Reason: ReasonReplay, ContractID: existing.ContractID, ProviderTxID: v.ProviderTxID,
			EntryID: existing.ID, Replayed: true}
		r.guardStore(ctx, digest, out)
		log.Info("duplicate notification ignored", "entry_id", existing.ID)
		return out, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, err
	}

	if v.Status != gateway.StatusApproved {
		log.Info("notification for unapproved payment ignored", "status", v.Status)
		return Outcome{OK: true, Reason: ReasonNotApproved, ContractID: v.ExternalReference, ProviderTxID: v.ProviderTxID}, nil
	}

	if v.Amount != c.GrossAmount {
		log.Warn("paid amount differs from contract", "paid", v.Amount.String(), "gross_amount", c.GrossAmount.String())
		id, perr := r.persist(ctx, n, domain.ReasonAmountMismatch, v.ExternalReference, v.ProviderTxID)
		if perr != nil {
			return Outcome{}, perr
		}
		return Outcome{OK: false, Reason: string(domain.ReasonAmountMismatch), ContractID: c.ID, ProviderTxID: v.ProviderTxID, NotificationID: id},
			fmt.Errorf("%w: payment %s paid %s, contract %s expects %s", domain.ErrAmountMismatch,
				v.ProviderTxID, v.Amount, c.ID, c.GrossAmount)
	}

	res, err := r.Engine.ConfirmDeposit(ctx, v.ExternalReference, v.ProviderTxID, v.ProviderFee)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// a second payment for a funded contract needs a human
			id, perr := r.persist(ctx, n, domain.ReasonInvalidState, v.ExternalReference, v.ProviderTxID)
			if perr != nil {
				log.Error("notification for settled contract was not stored", "err", perr)
			}
			return Outcome{OK: false, Reason: string(domain.ReasonInvalidState), NotificationID: id}, err
		}
		return Outcome{}, err
	}
	out := Outcome{OK: true, ContractID: res.Entry.ContractID, ProviderTxID: v.ProviderTxID, EntryID: res.Entry.ID, Replayed: res.Replayed}
	if res.Replayed {
		out.Reason = ReasonReplay
	}
	r.guardStore(ctx, digest, out)
	return out, nil
}

// Retry processes a stored notification again, typically after the
// contract it references was created. It is marked resolved on success.
func (r *Reconciler) Retry(ctx context.Context, id string) (Outcome, error) {
	stored, err := r.Repo.GetUnresolvedNotification(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return Outcome{}, err
	}
	if stored.ResolvedAt != "" {
		return Outcome{}, fmt.Errorf("%w: notification %s already resolved", domain.ErrInvalidState, id)
	}
	h := http.Header{}
	for k, v := range stored.Headers {
		h.Set(k, v)
	}
	out, err := r.process(ctx, gateway.Notification{Body: stored.Payload, Headers: h})
	if err != nil {
		return out, err
	}
	at := r.now().UTC().Format(time.RFC3339)
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()
	if _, err := r.Repo.MarkNotificationResolved(ctx, tx, id, at); err != nil {
		return out, err
	}
	if err := r.events().Append(ctx, tx, events.NotificationResolved, out.ContractID, "notification", id, events.SystemActor,
		events.EventPayload{"entry_id": out.EntryID, "replayed": out.Replayed}); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	out.NotificationID = id
	return out, nil
}

// process is HandleNotification without storing failures again.
func (r *Reconciler) process(ctx context.Context, n gateway.Notification) (Outcome, error) {
	quiet := *r
	quiet.persistDisabled = true
	return quiet.HandleNotification(ctx, n)
}

func (r *Reconciler) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

// persist stores a notification verbatim for manual review.
func (r *Reconciler) persist(ctx context.Context, n gateway.Notification, reason domain.UnresolvedReason, ref, txID string) (string, error) {
	if r.persistDisabled {
		return "", nil
	}
	rec := domain.UnresolvedNotification{
		ID:                uuid.NewString(),
		Provider:          r.Gateway.Name(),
		Reason:            reason,
		ExternalReference: ref,
		ProviderTxID:      txID,
		Payload:           n.Body,
		Headers:           keptHeaders(n.Headers),
		ReceivedAt:        r.now().UTC().Format(time.RFC3339),
	}
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertUnresolvedNotification(ctx, tx, rec); err != nil {
		r.Logger.Error("store unresolved notification", "reason", reason, "err", err)
		return "", err
	}
	if err := r.events().Append(ctx, tx, events.NotificationUnresolved, "", "notification", rec.ID, events.SystemActor,
		events.EventPayload{"reason": string(reason), "external_reference": ref, "provider_tx_id": txID}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	r.Logger.Warn("notification stored for review", "notification_id", rec.ID, "reason", reason,
		"external_reference", ref, "provider_tx_id", txID)
	return rec.ID, nil
}

func (r *Reconciler) guardLookup(ctx context.Context, digest string) (Outcome, bool) {
	if r.Guard == nil {
		return Outcome{}, false
	}
	out, ok, err := r.Guard.Lookup(ctx, digest)
	if err != nil {
		r.Logger.Warn("replay guard lookup", "err", err)
		return Outcome{}, false
	}
	if ok {
		out.Replayed = true
		out.Reason = ReasonReplay
	}
	return out, ok
}

func (r *Reconciler) guardStore(ctx context.Context, digest string, out Outcome) {
	if r.Guard == nil || !out.OK || out.EntryID == "" {
		return
	}
	if err := r.Guard.Store(ctx, digest, out); err != nil {
		r.Logger.Warn("replay guard store", "err", err)
	}
}

func keptHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for _, k := range headersKept {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func bodyDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

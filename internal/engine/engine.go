package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/gateway"
	"escrowline/internal/money"
	"escrowline/internal/repo"
)

// PayoutEnqueuer hands a committed release to the payout dispatcher.
type PayoutEnqueuer interface {
	Enqueue(ctx context.Context, job domain.PayoutJob) error
}

type Settings struct {
	PlatformFeeRate  money.Rate
	DefaultCurrency  string
	DefaultReturnURL string
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Gateway  gateway.Gateway
	Payouts  PayoutEnqueuer
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, gw gateway.Gateway, payouts PayoutEnqueuer, s Settings, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if s.DefaultCurrency == "" {
		s.DefaultCurrency = "BRL"
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Gateway:  gw,
		Payouts:  payouts,
		Settings: s,
		Logger:   logger.With("component", "engine"),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ensureEscrowTransition is the escrow state graph.
func ensureEscrowTransition(from, to domain.EscrowStatus) error {
	switch from {
	case domain.EscrowCreated:
		if to == domain.EscrowHeld {
			return nil
		}
	case domain.EscrowHeld:
		if to == domain.EscrowReleased || to == domain.EscrowRefunded {
			return nil
		}
	}
	return fmt.Errorf("%w: escrow transition %s -> %s", domain.ErrInvalidState, from, to)
}

// ContractInput are parameters for creating a contract.
type ContractInput struct {
	ID          string
	ClientID    string
	WorkerID    string
	Gross       money.Amount
	FeeRate     *money.Rate
	Description string
	Currency    string
	ActorID     string
}

// CreateContract opens a contract in CREATED once a proposal is accepted.
// The platform fee rate is captured here and never changes.
func (e Engine) CreateContract(ctx context.Context, in ContractInput) (domain.Contract, error) {
	if strings.TrimSpace(in.ClientID) == "" || strings.TrimSpace(in.WorkerID) == "" {
		return domain.Contract{}, fmt.Errorf("%w: client_id and worker_id are required", domain.ErrInvalidInput)
	}
	if in.ClientID == in.WorkerID {
		return domain.Contract{}, fmt.Errorf("%w: client and worker must differ", domain.ErrInvalidInput)
	}
	if in.Gross <= 0 {
		return domain.Contract{}, fmt.Errorf("%w: gross amount must be positive", money.ErrInvalidAmount)
	}
	rate := e.Settings.PlatformFeeRate
	if in.FeeRate != nil {
		rate = *in.FeeRate
	}
	if err := rate.Validate(); err != nil {
		return domain.Contract{}, err
	}
	// a contract whose platform fee alone exceeds gross could never release
	if _, err := money.ComputeFees(in.Gross, rate, 0, 0); err != nil {
		return domain.Contract{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = e.Settings.DefaultCurrency
	}
	now := e.timestamp()
	c := domain.Contract{
		ID:              id,
		ClientID:        in.ClientID,
		WorkerID:        in.WorkerID,
		Description:     in.Description,
		Currency:        currency,
		GrossAmount:     in.Gross,
		PlatformFeeRate: rate,
		Status:          domain.EscrowCreated,
		CreatedAt:       now,
		StatusChangedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Contract{}, fmt.Errorf("%w: contract %s already exists", domain.ErrInvalidInput, id)
		}
		return domain.Contract{}, err
	}
	if err := e.events().Append(ctx, tx, events.ContractCreated, c.ID, "contract", c.ID, in.ActorID, events.EventPayload{
		"gross_amount": c.GrossAmount.String(), "platform_fee_bps": int64(c.PlatformFeeRate),
		"client_id": c.ClientID, "worker_id": c.WorkerID,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, fmt.Errorf("contract %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (e Engine) ListContracts(ctx context.Context, f repo.ContractFilters) ([]domain.Contract, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown escrow status %q", domain.ErrInvalidInput, f.Status)
	}
	return e.Repo.ListContracts(ctx, f)
}

func (e Engine) ListLedger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	if _, err := e.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return e.Repo.ListEntries(ctx, contractID)
}

func (e Engine) ListEvents(ctx context.Context, contractID string, limit int) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, contractID, limit)
}

// RequestDeposit creates a checkout preference for a contract awaiting
// funds. It does not change state.
func (e Engine) RequestDeposit(ctx context.Context, contractID, returnTarget string) (gateway.Preference, error) {
	c, err := e.GetContract(ctx, contractID)
	if err != nil {
		return gateway.Preference{}, err
	}
	if c.Status != domain.EscrowCreated {
		return gateway.Preference{}, fmt.Errorf("%w: deposit requested for contract in %s", domain.ErrInvalidState, c.Status)
	}
	if returnTarget == "" {
		returnTarget = e.Settings.DefaultReturnURL
	}
	return e.Gateway.CreatePreference(ctx, gateway.PreferenceInput{
		ContractID:   c.ID,
		Amount:       c.GrossAmount,
		Description:  c.Description,
		Currency:     c.Currency,
		ReturnTarget: returnTarget,
	})
}

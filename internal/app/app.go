// Package app wires every component from configuration and owns their
// shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/gateway"
	"escrowline/internal/migrate"
	"escrowline/internal/payout"
	"escrowline/internal/reconcile"
	"escrowline/internal/repo"
)

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Gateway    gateway.Gateway
	Engine     engine.Engine
	Dispatcher *payout.Dispatcher
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger

	closers []func() error
}

// Build opens the store, runs migrations and constructs the settlement
// core. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return a, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		return a, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}

	gw, err := newGateway(cfg.Provider)
	if err != nil {
		return a, err
	}
	a.Gateway = gw

	pub, err := newPublisher(cfg.Payout)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, pub.Close)
	a.Dispatcher = payout.NewDispatcher(conn, pub, cfg.Payout.MaxAttempts, logger)

	rate, err := cfg.PlatformFeeRate()
	if err != nil {
		return a, err
	}
	a.Engine = engine.New(conn, gw, a.Dispatcher, engine.Settings{
		PlatformFeeRate:  rate,
		DefaultCurrency:  cfg.Fees.DefaultCurrency,
		DefaultReturnURL: cfg.Provider.DefaultReturnURL,
	}, logger)

	var guard reconcile.Guard
	if cfg.Redis.URL != "" {
		g, err := reconcile.NewRedisGuard(ctx, cfg.Redis.URL, cfg.Redis.ReplayTTL)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, g.Close)
		guard = g
	}
	a.Reconciler = reconcile.New(gw, a.Engine, a.Repo, guard, logger)
	return a, nil
}

func newGateway(pc config.ProviderConfig) (gateway.Gateway, error) {
	switch pc.Kind {
	case config.ProviderMercadoPago:
		return gateway.NewMercadoPago(gateway.MercadoPagoConfig{
			BaseURL:       pc.BaseURL,
			AccessToken:   pc.AccessToken,
			WebhookSecret: pc.WebhookSecret,
			Timeout:       pc.Timeout,
			MaxAttempts:   pc.MaxAttempts,
		})
	case config.ProviderSandbox:
		sb := gateway.NewSandbox()
		sb.WebhookSecret = pc.WebhookSecret
		return sb, nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
}

func newPublisher(pc config.PayoutConfig) (payout.Publisher, error) {
	if pc.Transport == config.TransportKafka {
		return payout.NewKafkaPublisher(pc.Kafka.Brokers, pc.Kafka.Topic)
	}
	return payout.NopPublisher{}, nil
}

// NewWorker builds a payout worker reading from the configured transport.
func (a *App) NewWorker(id string) (*payout.Worker, error) {
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	pc := a.Config.Payout
	var src payout.Source
	if pc.Transport == config.TransportKafka {
		ks, err := payout.NewKafkaSource(pc.Kafka.Brokers, pc.Kafka.Topic, pc.Kafka.Group)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ks.Close)
		src = ks
	} else {
		src = payout.NewPollSource(a.Repo, pc.PollInterval, 0)
	}
	return payout.NewWorker(id, a.DB, src, payout.SandboxPayouter{}, pc.Workers, a.Logger), nil
}

func (a *App) NewSweeper() *payout.Sweeper {
	pc := a.Config.Payout
	return payout.NewSweeper(a.Dispatcher, pc.Transport == config.TransportKafka, pc.VisibilityTimeout, a.Logger)
}

// Close releases every handle in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

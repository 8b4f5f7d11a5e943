package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/logging"
	"escrowline/internal/migrate"
	"escrowline/internal/money"
	"escrowline/internal/payout"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "escrowctl",
	Short: "Escrowline settlement CLI",
	Long: `Escrowline holds client funds for accepted contracts and settles them.
- Contract: created when a proposal is accepted; carries the gross amount and platform fee rate.
- Escrow: CREATED -> HELD on a confirmed provider payment, then RELEASED to the worker or REFUNDED to the client.
- Ledger: append-only DEPOSIT, RELEASE and REFUND entries per contract.
- Payouts: every release queues a payout job that workers deliver at least once.
- Notifications: provider callbacks that could not be matched are stored for review and retry.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/escrowline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor recorded in the audit trail")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(notificationCmd())
}

// loadConfig reads the config file and lets ESCROWLINE_* variables and
// bound flags override individual keys.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	overrides := map[string]*string{
		"server.addr":             &cfg.Server.Addr,
		"server.base_path":        &cfg.Server.BasePath,
		"server.jwt_secret":       &cfg.Server.JWTSecret,
		"fees.platform_pct":       &cfg.Fees.PlatformPct,
		"provider.kind":           &cfg.Provider.Kind,
		"provider.base_url":       &cfg.Provider.BaseURL,
		"provider.access_token":   &cfg.Provider.AccessToken,
		"provider.webhook_secret": &cfg.Provider.WebhookSecret,
		"payout.transport":        &cfg.Payout.Transport,
		"payout.kafka.topic":      &cfg.Payout.Kafka.Topic,
		"payout.kafka.group":      &cfg.Payout.Kafka.Group,
		"redis.url":               &cfg.Redis.URL,
		"log.level":               &cfg.Log.Level,
		"log.format":              &cfg.Log.Format,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	if v := viper.GetString("server.cors_origins"); v != "" {
		cfg.Server.CORSOrigins = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if v := viper.GetString("payout.kafka.brokers"); v != "" {
		cfg.Payout.Kafka.Brokers = payout.SplitBrokers(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, default config and database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			dir, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config %s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Database ready in %s (schema version %d)\n", dir, v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			for _, s := range []*string{&redacted.Server.JWTSecret, &redacted.Provider.AccessToken, &redacted.Provider.WebhookSecret} {
				if *s != "" {
					*s = "********"
				}
			}
			return printJSON(redacted)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, with an in-process payout worker and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr != "" {
					cfg.Server.Addr = addr
				}
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					Reconciler:  a.Reconciler,
					Dispatcher:  a.Dispatcher,
					BasePath:    cfg.Server.BasePath,
					CORSOrigins: cfg.Server.CORSOrigins,
					Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
					Logger:      a.Logger,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				var wg sync.WaitGroup
				if withWorker {
					w, err := a.NewWorker("")
					if err != nil {
						return err
					}
					wg.Add(2)
					go func() {
						defer wg.Done()
						_ = w.Run(ctx)
					}()
					go func() {
						defer wg.Done()
						a.NewSweeper().RunEvery(ctx, cfg.Payout.SweepInterval)
					}()
				}

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving escrow API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
					"provider", a.Gateway.Name(), "payout_transport", cfg.Payout.Transport, "worker", withWorker)
				fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				err = srv.ListenAndServe()
				cancel()
				wg.Wait()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "run a payout worker and the recovery sweep in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a payout worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.NewWorker(id)
				if err != nil {
					return err
				}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id (default host-pid)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-enqueue releases without a payout job and reclaim stale claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := a.NewSweeper()
				if loop {
					s.RunEvery(ctx, a.Config.Payout.SweepInterval)
					return nil
				}
				rep, err := s.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("reenqueued=%d reclaimed=%d republished=%d\n", rep.Reenqueued, rep.Reclaimed, rep.Republished)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every payout.sweep_interval")
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractLedgerCmd())
	c.AddCommand(contractEventsCmd())
	return c
}

func contractCreateCmd() *cobra.Command {
	var id, clientID, workerID, gross, pct, desc, currency string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contract from an accepted proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := money.ParseAmount(gross)
			if err != nil {
				return err
			}
			in := engine.ContractInput{
				ID:          id,
				ClientID:    clientID,
				WorkerID:    workerID,
				Gross:       amount,
				Description: desc,
				Currency:    currency,
				ActorID:     viper.GetString("actor-id"),
			}
			if pct != "" {
				rate, err := money.ParseRate(pct)
				if err != nil {
					return err
				}
				in.FeeRate = &rate
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateContract(ctx, in)
				if err != nil {
					return err
				}
				return printContracts(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id (default random uuid)")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&gross, "gross", "", "gross amount, e.g. 1000.00")
	cmd.Flags().StringVar(&pct, "platform-pct", "", "platform fee percentage (default fees.platform_pct)")
	cmd.Flags().StringVar(&desc, "description", "", "description shown at checkout")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code (default fees.default_currency)")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("gross")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printContracts(c)
			})
		},
	}
}

func contractListCmd() *cobra.Command {
	var status, clientID, workerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListContracts(ctx, repo.ContractFilters{
					Status:   domain.EscrowStatus(strings.ToUpper(status)),
					ClientID: clientID,
					WorkerID: workerID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				return printContracts(items...)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by escrow status (created, held, released, refunded)")
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client")
	cmd.Flags().StringVar(&workerID, "worker", "", "filter by worker")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func contractLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <id>",
		Short: "List ledger entries of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.ListLedger(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Platform fee", "Provider fee", "Net", "Provider tx", "Payout", "Created"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.Type, e.Amount, e.PlatformFeeAmount, e.ProviderFeeAmount, e.NetAmount, e.ProviderTxID, e.PayoutID, e.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func contractEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit trail of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.PayloadJSON})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 50, "maximum events")
	return cmd
}

func escrowCmd() *cobra.Command {
	c := &cobra.Command{Use: "escrow", Short: "Move funds in and out of escrow"}
	c.AddCommand(escrowDepositCmd())
	c.AddCommand(escrowReleaseCmd())
	c.AddCommand(escrowRefundCmd())
	return c
}

func escrowDepositCmd() *cobra.Command {
	var returnURL string
	cmd := &cobra.Command{
		Use:   "deposit <contract-id>",
		Short: "Create a checkout preference for the contract deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pref, err := a.Engine.RequestDeposit(ctx, args[0], returnURL)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pref)
				}
				fmt.Printf("preference %s\ncheckout   %s\n", pref.ID, pref.InitPoint)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&returnURL, "return-url", "", "where the payer lands after checkout")
	return cmd
}

func escrowReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <contract-id>",
		Short: "Release held funds to the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Release(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"release_tx_id":   res.Entry.ID,
						"fees":            res.Fees,
						"payout_enqueued": res.Enqueued,
					})
				}
				fmt.Printf("released %s: platform fee %s, provider fee %s, net %s (entry %s)\n",
					res.Contract.ID, res.Fees.PlatformFee, res.Fees.ProviderFee, res.Fees.Net, res.Entry.ID)
				if !res.Enqueued {
					fmt.Println("payout not queued yet; the recovery sweep will pick it up")
				}
				return nil
			})
		},
	}
}

func escrowRefundCmd() *cobra.Command {
	var txID string
	cmd := &cobra.Command{
		Use:   "refund <contract-id>",
		Short: "Refund held funds to the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if txID == "" {
					c, err := a.Engine.GetContract(ctx, args[0])
					if err != nil {
						return err
					}
					txID = c.DepositProviderTxID
				}
				res, err := a.Engine.Refund(ctx, args[0], txID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"refund_tx_id":      res.Entry.ID,
						"provider_response": res.Provider.Raw,
					})
				}
				fmt.Printf("refunded %s: provider refund %s (%s), entry %s\n", res.Contract.ID, res.Provider.ID, res.Provider.Status, res.Entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txID, "provider-tx", "", "provider transaction of the deposit (default the funding deposit)")
	return cmd
}

func payoutCmd() *cobra.Command {
	c := &cobra.Command{Use: "payout", Short: "Inspect and repair payout jobs"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List payout jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Dispatcher.ListJobs(ctx, domain.PayoutStatus(strings.ToLower(status)), limit)
				if err != nil {
					return err
				}
				return printJobs(jobs...)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (queued, in_flight, completed, dead)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	requeue := &cobra.Command{
		Use:   "requeue <release-entry-id>",
		Short: "Requeue a dead payout job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Dispatcher.Requeue(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJobs(job)
			})
		},
	}
	c.AddCommand(list, requeue)
	return c
}

func notificationCmd() *cobra.Command {
	c := &cobra.Command{Use: "notification", Short: "Review provider notifications that could not be applied"}

	var all bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListUnresolvedNotifications(ctx, all, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Provider", "Reason", "Reference", "Provider tx", "Received", "Resolved"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Provider, n.Reason, n.ExternalReference, n.ProviderTxID, n.ReceivedAt, n.ResolvedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved notifications")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	retry := &cobra.Command{
		Use:   "retry <notification-id>",
		Short: "Process a stored notification again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Reconciler.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	c.AddCommand(list, retry)
	return c
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printContracts(items ...domain.Contract) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Client", "Worker", "Status", "Gross", "Fee %", "Platform fee", "Provider fee", "Net", "Changed"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.ClientID, c.WorkerID, c.Status, c.GrossAmount, c.PlatformFeeRate,
			c.PlatformFeeAmount, c.ProviderFeeAmount, c.NetAmount, c.StatusChangedAt})
	}
	fmt.Println(tw.Render())
	return nil
}

func printJobs(jobs ...domain.PayoutJob) error {
	if viper.GetBool("json") {
		return printJSON(jobs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Release entry", "Contract", "Worker", "Net", "Status", "Attempts", "Next attempt", "Payout", "Last error"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{j.LedgerEntryID, j.ContractID, j.WorkerID, j.NetAmount, j.Status,
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.NextAttemptAt, j.ProviderPayoutID, j.LastError})
	}
	fmt.Println(tw.Render())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dealflow/auth"
	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/deal/pgstore"
	"dealflow/lock"
	"dealflow/notification"
	"dealflow/notification/sqlite"
	"dealflow/payment"
	"dealflow/telemetry"
)

var log = logging.Logger("api")

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "dealflow",
		Short:         "Two-party escrow deal service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shutdown, err := telemetry.Setup(ctx, "dealflow", cfg.OTELEndpoint)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if _, err := runMigrations(ctx, a.pool); err != nil {
					return err
				}
			}
			return a.Serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := runMigrations(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue deals past due and retry pending settlements once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			swept, settled, err := runMaintenance(cmd.Context(), a.deals)
			fmt.Fprintf(cmd.OutOrStdout(), "past due: %d, settled: %d\n", swept, settled)
			return err
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return config.Config{}, fmt.Errorf("log level: %w", err)
	}
	return cfg, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return nil, err
	}
	for _, name := range applied {
		log.Infow("migration applied", "name", name)
	}
	return applied, nil
}

// app owns the long-lived resources of the process.
type app struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	notesDB *sqlite.Store
	deals   *deal.Service
	server  *Server
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxConns, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		return nil, err
	}
	a.pool = pool

	notesDB, err := sqlite.Open(cfg.NotificationsDB)
	if err != nil {
		return nil, err
	}
	a.notesDB = notesDB
	notes := notification.NewService(notesDB)

	users := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	engine := deal.NewService(pgstore.New(pool), notification.NewDispatcher(notes)).
		WithDirectory(users).
		WithStoreTimeout(cfg.StoreTimeout).
		WithCurrency(cfg.Currency)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := lock.Ping(ctx, a.redis); err != nil {
			return nil, err
		}
		engine = engine.WithLocker(lock.NewRedis(a.redis))
		log.Infow("using redis deal locks", "addr", cfg.RedisAddr)
	}

	server := &Server{
		dealService:         engine,
		notificationService: notes,
		authService:         users,
	}

	if cfg.PaymentsEnabled() {
		processor := payment.NewStripeProcessor(cfg.StripeSecretKey)
		payments := payment.NewService(
			processor,
			payment.NewPGAccountStore(pool),
			cfg.PublicBaseURL,
		).WithCurrency(cfg.Currency)
		engine = engine.WithGateway(payments).WithPayoutChecker(payments).WithSettler(payments)
		server.connectService = payments
		hook := payment.NewWebhookHandler(cfg.WebhookSecret, engine, payment.NewPGEventLedger(pool)).
			WithRefunder(processor)
		server.webhook = hook.Handle
	} else {
		log.Warnw("STRIPE_SECRET_KEY is empty; checkout, payouts and settlement are disabled")
	}

	a.deals = engine
	a.server = server
	ok = true
	return a, nil
}

// Serve runs the HTTP server and the background loops until ctx ends.
func (a *app) Serve(ctx context.Context, cfg config.Config) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		runMaintenanceLoop(gctx, a.deals, cfg.SweepInterval)
		return nil
	})
	return g.Wait()
}

func (a *app) Close() {
	if a.notesDB != nil {
		if err := a.notesDB.Close(); err != nil {
			log.Warnw("close notification store", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

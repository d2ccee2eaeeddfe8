package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/priorauth/internal/config"
	"github.com/ehr/priorauth/internal/domain/priorauth"
	"github.com/ehr/priorauth/internal/domain/subscription"
	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/internal/platform/middleware"
	"github.com/ehr/priorauth/internal/platform/scheduling"
	"github.com/ehr/priorauth/internal/platform/telemetry"
	"github.com/ehr/priorauth/internal/platform/websocket"
	"github.com/ehr/priorauth/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "priorauth-server",
		Short: "Prior authorization claim service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prior authorization API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.UsesPostgres() {
		return nil, nil, fmt.Errorf("migrations require STORE_DRIVER=%s", config.StoreDriverPostgres)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if dir != "" {
		return db.NewDirMigrator(pool, dir), pool.Close, nil
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func printStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores holds the repositories chosen by STORE_DRIVER and what the health
// check should ping.
type stores struct {
	repos         priorauth.Repositories
	subscriptions subscription.Repository
	pingers       map[string]db.Pinger
}

func memoryStores() stores {
	claims := priorauth.NewMemoryStore()
	subs := subscription.NewMemoryRepo()
	return stores{
		repos:         claims.Repositories(),
		subscriptions: subs,
		pingers:       map[string]db.Pinger{"memory": claims},
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		repos: priorauth.Repositories{
			Claims:    priorauth.NewClaimRepoPG(pool),
			Items:     priorauth.NewClaimItemRepoPG(pool),
			Responses: priorauth.NewClaimResponseRepoPG(pool),
		},
		subscriptions: subscription.NewSubscriptionRepoPG(pool),
		pingers:       map[string]db.Pinger{"postgres": pool},
	}
}

// app is the wired server: the echo instance plus what must be stopped on
// shutdown.
type app struct {
	echo      *echo.Echo
	scheduler *scheduling.DeferredScheduler
	processor *priorauth.Processor
}

func (a *app) shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	return a.echo.Shutdown(ctx)
}

// bodyLimits maps the configured sizes onto the routes that carry bodies.
func bodyLimits(cfg *config.Config, logger zerolog.Logger) middleware.BodyLimits {
	limits, err := middleware.ParseBodyLimits(cfg.BodyLimitDefault, map[string]string{
		middleware.RouteSubmit:       cfg.BodyLimitSubmit,
		middleware.RouteCancel:       cfg.BodyLimitCancel,
		middleware.RouteSubscription: cfg.BodyLimitSubscription,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("invalid body limits, using the default for every route")
		return middleware.BodyLimits{Default: middleware.DefaultBodyLimit}
	}
	return limits
}

func buildApp(cfg *config.Config, st stores, bindings websocket.Bindings, rules priorauth.ItemAdjudicator, metrics *telemetry.Metrics, logger zerolog.Logger) *app {
	hub := websocket.NewHub()

	subSvc := subscription.NewService(st.subscriptions, st.repos.Responses, subscription.Options{
		RequireHTTPS:          cfg.IsProduction(),
		AllowPrivateEndpoints: cfg.IsDev(),
	}, logger)
	dispatcher := subscription.NewDispatcher(st.subscriptions, subscription.NewHTTPTransport(cfg.NotifyTimeout), hub, bindings, metrics, logger)

	scheduler := scheduling.NewDeferredScheduler(logger, metrics.DeferredJob)
	proc := priorauth.NewProcessor(st.repos, rules, scheduler, dispatcher, priorauth.Options{
		Workers:     cfg.AdjudicationWorkers,
		ReviewDelay: cfg.PendedReviewDelay,
		MaxHops:     cfg.LedgerMaxHops,
		Metrics:     metrics,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(bodyLimits(cfg, logger)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	fhirGroup := e.Group("/fhir")
	priorauth.NewHandler(proc, st.repos).RegisterRoutes(fhirGroup)
	subscription.NewHandler(subSvc).RegisterRoutes(fhirGroup)

	websocket.NewWebSocketHandler(hub, bindings, subSvc.ValidateBinding, logger).RegisterRoutes(e.Group(""))

	e.GET("/metrics", metrics.Handler())
	e.GET("/health/db", db.HealthHandler(cfg.StoreDriver, st.pingers))

	return &app{echo: e, scheduler: scheduler, processor: proc}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Store
	st := memoryStores()
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		st = postgresStores(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory store")
	}

	// Socket bindings
	var bindings websocket.Bindings = websocket.NewMemoryBindings()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rb := websocket.NewRedisBindings(client, "")
		st.pingers["redis"] = rb
		bindings = rb
		logger.Info().Msg("socket bindings stored in redis")
	}

	rules, err := priorauth.LoadRuleSet(cfg.RulesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("failed to load adjudication rules")
	}

	a := buildApp(cfg, st, bindings, rules, telemetry.Default(), logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

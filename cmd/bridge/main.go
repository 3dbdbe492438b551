package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehrbridge/hl7fhir/internal/bar"
	"github.com/ehrbridge/hl7fhir/internal/config"
	"github.com/ehrbridge/hl7fhir/internal/domain/barqueue"
	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/pipeline"
	"github.com/ehrbridge/hl7fhir/internal/platform/db"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
	"github.com/ehrbridge/hl7fhir/internal/platform/httpapi"
	"github.com/ehrbridge/hl7fhir/internal/platform/middleware"
	"github.com/ehrbridge/hl7fhir/internal/platform/obs"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "HL7v2-to-FHIR bridge: MLLP listener, converters, and BAR billing feedback",
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
		Short: "Start the MLLP listener, the three pollers, and the operator HTTP surface",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx, "public")
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, "public")
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// runServer wires together the bridge's process model: one MLLP listener
// and three independent pollers (inbound processor, BAR builder, BAR
// sender) running as goroutines inside a single process, plus a small
// operator HTTP surface. The three pollers share one cancellation context
// and are drained by one WaitGroup on shutdown; the MLLP listener's handler
// uses the same context, and the listener itself is shut down with Stop.
func runServer() error {
	logger := obs.NewLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	processingCfg, err := config.LoadProcessingConfig(cfg.ProcessingConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load processing config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	fhir := fhirclient.NewClient(cfg.FHIRBaseURL, cfg.FHIRAuthToken)

	messageRepo := hl7intake.NewRepoPG(pool)
	messages := hl7intake.NewService(messageRepo)

	barRepo := barqueue.NewRepoPG(pool)

	identityResolver, err := processingCfg.BuildResolver()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build identity resolver")
	}
	mappingResolver := mapping.NewResolver(fhir)
	coordinator := mapping.NewCoordinator(fhir, messages)

	deps := &pipeline.Deps{
		Identity: identityResolver,
		Mapping:  mappingResolver,
		Config:   processingCfg,
	}

	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	processor := pipeline.NewProcessor(messages, fhir, deps, interval, logger)

	barApps := hl7v2.MSHApps{
		SendingApp:   cfg.FHIRApp,
		SendingFac:   cfg.FHIRFac,
		ReceivingApp: cfg.BillingApp,
		ReceivingFac: cfg.BillingFac,
	}
	builder := bar.NewBuilder(fhir, barRepo, barApps, cfg, logger)
	sender := bar.NewSender(barRepo, messages, interval, logger)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() { defer wg.Done(); processor.Run(runCtx) }()
	go func() { defer wg.Done(); builder.Run(runCtx) }()
	go func() { defer wg.Done(); sender.Run(runCtx) }()

	mllp := hl7v2.NewMLLPServer(":"+cfg.MLLPPort, hl7v2.IntakeHandler(runCtx, messages, logger))
	if err := mllp.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start MLLP listener")
	}
	logger.Info().Str("addr", mllp.Addr()).Msg("MLLP listener started")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1MB", "1MB"))

	httpapi.NewHandler(coordinator, messages).RegisterRoutes(e)
	e.GET("/healthz/db", db.HealthHandler(pool))
	hl7v2.NewHandler(barApps).RegisterRoutes(e.Group("/debug"))

	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting operator HTTP surface")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := mllp.Stop(); err != nil {
		logger.Error().Err(err).Msg("MLLP listener shutdown failed")
	}

	cancel()
	wg.Wait()
	logger.Info().Msg("stopped")
	return nil
}

// Command bridgectl is the bridge's operator CLI: a one-shot tool for
// validating the ambient and processing config, resolving a mapping Task,
// and forcing a stuck message back onto the intake queue, without standing
// up the long-running cmd/bridge process.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrbridge/hl7fhir/internal/config"
	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/db"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Operator CLI for the HL7v2-to-FHIR bridge",
	}

	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(resolveTaskCmd())
	rootCmd.AddCommand(reenqueueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the ambient and processing config without starting the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if _, err := config.LoadProcessingConfig(cfg.ProcessingConfigPath); err != nil {
				return fmt.Errorf("invalid processing config: %w", err)
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func resolveTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve-task <task-id>",
		Short: "Resolve a mapping Task with an operator-supplied code and reenqueue any message it unblocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			display, _ := cmd.Flags().GetString("display")
			if code == "" {
				return fmt.Errorf("--code is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			fhir := fhirclient.NewClient(cfg.FHIRBaseURL, cfg.FHIRAuthToken)
			messages := hl7intake.NewService(hl7intake.NewRepoPG(pool))
			coordinator := mapping.NewCoordinator(fhir, messages)

			result, err := coordinator.Resolve(ctx, args[0], code, display)
			if err != nil {
				return fmt.Errorf("resolve task: %w", err)
			}
			fmt.Printf("resolved %s; reenqueued %d message(s): %v\n", result.TaskID, result.ReenqueuedCount, result.ReenqueuedIDs)
			return nil
		},
	}
	cmd.Flags().String("code", "", "resolved target code")
	cmd.Flags().String("display", "", "resolved target display text")
	return cmd
}

func reenqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reenqueue <message-id>",
		Short: "Force a message at status error back onto the received queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			messages := hl7intake.NewService(hl7intake.NewRepoPG(pool))
			if err := messages.ReenqueueManually(ctx, id); err != nil {
				return fmt.Errorf("reenqueue message: %w", err)
			}
			fmt.Printf("reenqueued %s\n", id)
			return nil
		},
	}
}

// Command aigateway runs the AI generation gateway: a metering proxy that
// authenticates API keys, enforces per-account usage allowances, and relays
// generation requests to an OpenAI-compatible provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/writgo/aigateway/internal/app"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/db"
	"github.com/writgo/aigateway/internal/logging"
	"github.com/writgo/aigateway/internal/models"
	"github.com/writgo/aigateway/internal/security"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "aigateway",
		Short:         "AI generation gateway with licensing and usage metering",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newCreateAdminCmd(&configPath),
	)
	return rootCmd
}

// loadConfig reads .env, the config file, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	_ = godotenv.Load()

	cfg, errLoad := config.Load(path)
	if errLoad != nil {
		return nil, errLoad
	}
	if errSetup := logging.Setup(cfg.Logging); errSetup != nil {
		return nil, errSetup
	}
	return &cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, errLoad := loadConfig(*configPath)
			if errLoad != nil {
				return errLoad
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gateway, errNew := app.New(ctx, cfg)
			if errNew != nil {
				return errNew
			}
			return gateway.Run(ctx)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(*cobra.Command, []string) error {
			cfg, errLoad := loadConfig(*configPath)
			if errLoad != nil {
				return errLoad
			}

			conn, errOpen := db.Open(cfg.Database.DSN)
			if errOpen != nil {
				return errOpen
			}
			if errMigrate := db.Migrate(conn); errMigrate != nil {
				return errMigrate
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newCreateAdminCmd(configPath *string) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an operator login for the management API",
		RunE: func(*cobra.Command, []string) error {
			cfg, errLoad := loadConfig(*configPath)
			if errLoad != nil {
				return errLoad
			}
			if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
				return fmt.Errorf("--username and --password are required")
			}

			conn, errOpen := db.Open(cfg.Database.DSN)
			if errOpen != nil {
				return errOpen
			}
			if errMigrate := db.Migrate(conn); errMigrate != nil {
				return errMigrate
			}

			hash, errHash := security.HashPassword(password)
			if errHash != nil {
				return errHash
			}
			admin := models.Admin{Username: strings.TrimSpace(username), PasswordHash: hash}
			if errCreate := conn.WithContext(context.Background()).Create(&admin).Error; errCreate != nil {
				return fmt.Errorf("create admin: %w", errCreate)
			}
			log.Infof("admin %q created", admin.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "admin username")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

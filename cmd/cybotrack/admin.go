package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/config"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/database"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/logging"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const passwordEnvVar = "CYBOTRACK_CREDENTIAL_PASSWORD"

func newCredentialsCommand() *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the sync passwords a hub accepts",
	}
	var password string
	setCmd := &cobra.Command{
		Use:   "set <email>",
		Short: "Store or replace the sync password for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(passwordEnvVar)
			}
			if password == "" {
				return fmt.Errorf("password required: pass --password or set %s", passwordEnvVar)
			}
			return withDatabase("cybotrack-credentials", func(db *gorm.DB, logger *zap.Logger) error {
				store, err := users.NewCredentialStore(users.CredentialConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				if err := store.SetPassword(cmd.Context(), args[0], password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credential stored for %s\n", args[0])
				return nil
			})
		},
	}
	setCmd.Flags().StringVar(&password, "password", "", "Sync password (defaults to "+passwordEnvVar+")")
	credentialsCmd.AddCommand(setCmd)
	return credentialsCmd
}

type outboxLine struct {
	ID            int64   `json:"id"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	Operation     string  `json:"operation"`
	Status        string  `json:"status"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
}

func newOutboxCommand() *cobra.Command {
	var status string
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Print the local outbox as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase("cybotrack-outbox", func(db *gorm.DB, logger *zap.Logger) error {
				store, err := tracker.NewService(tracker.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				entries, err := store.ListSyncs(cmd.Context(), tracker.SyncStatus(status))
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				for _, entry := range entries {
					line := outboxLine{
						ID:            entry.ID,
						EntityType:    string(entry.EntityType),
						EntityID:      entry.EntityID,
						Operation:     string(entry.Operation),
						Status:        string(entry.Status),
						LastAttemptAt: entry.LastAttemptAt,
					}
					if err := encoder.Encode(line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	outboxCmd.Flags().StringVar(&status, "status", "", "Only print entries with this status")
	return outboxCmd
}

func withDatabase(service string, run func(db *gorm.DB, logger *zap.Logger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, service)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck
	return run(db, logger)
}

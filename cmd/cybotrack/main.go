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

	"github.com/MarcoPoloResearchLab/cybotrack/internal/auth"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/config"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/database"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/logging"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/metrics"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/server"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/syncer"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cybotrack",
		Short:         "Offline-first goal tracker store and sync hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the device API and sync with the configured hub",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), false)
			},
		},
		&cobra.Command{
			Use:   "hub",
			Short: "Serve the sync hub that devices push to and pull from",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), true)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the schema to the configured database and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate()
			},
		},
		newCredentialsCommand(),
		newOutboxCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Origins allowed by CORS (empty allows any)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	flags.String("remote-url", "", "Hub base URL; empty disables sync")
	flags.String("user-email", "", "Email of the user synced by this device")
	flags.String("sync-password", "", "Password the hub operator provisioned for the sync user")
	flags.Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between sync passes")
	flags.Int("sync-batch-size", defaults.GetInt("sync.batch_size"), "Outbox entries pushed per pass")
	flags.Bool("prune-succeeded", false, "Delete succeeded outbox entries after each pass")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.remote_url", "remote-url")
	bindFlag(cmd, "sync.user_email", "user-email")
	bindFlag(cmd, "sync.password", "sync-password")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.batch_size", "sync-batch-size")
	bindFlag(cmd, "sync.prune_succeeded", "prune-succeeded")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cybotrack")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrate() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, "cybotrack-migrate")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	return database.Close(db)
}

func runServe(ctx context.Context, hubMode bool) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	serviceName := "cybotrack-device"
	if hubMode {
		serviceName = "cybotrack-hub"
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	appMetrics := metrics.New()
	store, err := tracker.NewService(tracker.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: tracker.NewUUIDProvider(),
		Logger:     logger,
		Observer:   appMetrics,
		ChangeLog:  hubMode,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Store:          store,
		Users:          userService,
		Tokens:         tokenIssuer,
		Sessions:       sessionValidator,
		Metrics:        appMetrics,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}

	var (
		engine   *syncer.Engine
		syncUser tracker.User
	)
	if hubMode {
		credentials, err := users.NewCredentialStore(users.CredentialConfig{Database: db, Logger: logger})
		if err != nil {
			return err
		}
		deps.Credentials = credentials
		dispatcher := realtime.NewDispatcher(0)
		hub, err := syncer.NewHub(syncer.HubConfig{Store: store, Dispatcher: dispatcher, Logger: logger})
		if err != nil {
			return err
		}
		deps.Hub = hub
		deps.Dispatcher = dispatcher
	} else if appConfig.Sync.Enabled() {
		engine, syncUser, err = newDeviceEngine(ctx, appConfig.Sync, store, userService, appMetrics, logger)
		if err != nil {
			return err
		}
		deps.Engine = engine
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("hub", hubMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if engine != nil {
		group.Go(func() error {
			logger.Info("sync loop starting",
				zap.String("remote_url", appConfig.Sync.RemoteURL),
				zap.String("user_id", syncUser.ID),
				zap.Duration("interval", appConfig.Sync.Interval))
			err := engine.Run(groupCtx, tracker.UserID(syncUser.ID), appConfig.Sync.Interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func newDeviceEngine(
	ctx context.Context,
	syncConfig config.SyncConfig,
	store *tracker.Service,
	userService *users.Service,
	appMetrics *metrics.Metrics,
	logger *zap.Logger,
) (*syncer.Engine, tracker.User, error) {
	user, err := userService.SignIn(ctx, syncConfig.UserEmail, "")
	if err != nil {
		return nil, tracker.User{}, fmt.Errorf("resolve sync user: %w", err)
	}
	remote, err := syncer.NewHTTPRemote(syncer.HTTPRemoteConfig{
		BaseURL:  syncConfig.RemoteURL,
		Password: syncConfig.Password,
		Logger:   logger,
	})
	if err != nil {
		return nil, tracker.User{}, err
	}
	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store:          store,
		Remote:         remote,
		BatchSize:      syncConfig.BatchSize,
		PruneSucceeded: syncConfig.PruneSucceeded,
		Logger:         logger,
		Recorder:       appMetrics,
	})
	if err != nil {
		return nil, tracker.User{}, err
	}
	return engine, user, nil
}

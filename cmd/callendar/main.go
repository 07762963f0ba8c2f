package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhilroshan/callendar/internal/app"
	"github.com/adhilroshan/callendar/internal/config"
	"github.com/adhilroshan/callendar/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "callendar",
		Short: "Phone-call reminders for upcoming calendar events",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled alert cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run a single alert cycle and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
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
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("schedule", defaults.GetString("alerts.schedule"), "Cron expression for the alert cycle")
	flags.Duration("lookahead", defaults.GetDuration("alerts.lookahead"), "Alerting window")
	flags.Int("max-parallel-users", defaults.GetInt("alerts.max_parallel_users"), "Users processed concurrently per cycle")
	flags.String("redis-url", "", "Redis URL for the cross-process run token")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "alerts.schedule", "schedule")
	bindFlag(cmd, "alerts.lookahead", "lookahead")
	bindFlag(cmd, "alerts.max_parallel_users", "max-parallel-users")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func build() (*app.App, *zap.Logger, config.AppConfig, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, config.AppConfig{}, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, config.AppConfig{}, err
	}

	application, err := app.New(appConfig, logger, app.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, config.AppConfig{}, err
	}
	return application, logger, appConfig, nil
}

func runServer(ctx context.Context) error {
	application, logger, appConfig, err := build()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer application.Close()

	if !appConfig.TwilioConfigured() {
		logger.Warn("notification provider not configured; cycles will be skipped")
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           application.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Scheduler.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		application.Scheduler.Stop(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		application.Scheduler.Stop(stopCtx)
		return err
	}
}

func runOnce(ctx context.Context) error {
	application, logger, _, err := build()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer application.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := application.Orchestrator.Run(signalCtx)
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return err
	}
	return runErr
}

// Command switchyard is the coordination server: it admits tasks, offers
// them to eligible workers over SSE, arbitrates claims, fans progress
// events out to subscribers, and reaps stuck work.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/switchyardhq/switchyard/controlplane/config"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 store
// initialization failure, 3 fatal runtime error before listen.
const (
	exitConfig = 1
	exitStore  = 2
	exitFatal  = 3
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "switchyard",
		Short:         "Task coordination server for remote agent workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(configPath)
		},
	}
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitError pins an exit code to an error from serve.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return exitConfig
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, log)
	if err != nil {
		if _, ok := err.(*StoreInitError); ok {
			log.Error("store initialization failed", zap.Error(err))
			return &exitError{code: exitStore, err: err}
		}
		return &exitError{code: exitConfig, err: err}
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server failed", zap.Error(err))
		return &exitError{code: exitFatal, err: err}
	}
	log.Info("clean shutdown")
	return nil
}

func runMigrations(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if cfg.Store.Backing != "sql" {
		return &exitError{code: exitConfig, err: fmt.Errorf("migrate requires store.backing=sql")}
	}
	if err := store.Migrate(cfg.Store.DSN); err != nil {
		return &exitError{code: exitStore, err: err}
	}
	fmt.Println("migrations applied")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

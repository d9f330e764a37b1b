package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xiaot623/crmweb/internal/config"
	"github.com/xiaot623/crmweb/internal/ledger"
	"github.com/xiaot623/crmweb/internal/persist"
	"github.com/xiaot623/crmweb/internal/policy"
	"github.com/xiaot623/crmweb/internal/repository"
	"github.com/xiaot623/crmweb/internal/service"
	"github.com/xiaot623/crmweb/internal/supervisor"
	httptransport "github.com/xiaot623/crmweb/internal/transport/http"
	"golang.org/x/sync/errgroup"
)

// serveFlags maps serve flags to config keys.
var serveFlags = map[string]string{
	"port":                config.KeyHTTPPort,
	"store":               config.KeyStoreBackend,
	"database-url":        config.KeyDatabaseURL,
	"data-dir":            config.KeyDataDir,
	"worker":              config.KeyWorkerCommand,
	"worker-arg":          config.KeyWorkerArgs,
	"worker-dir":          config.KeyWorkerDir,
	"max-concurrent-runs": config.KeyMaxConcurrentRuns,
	"policy-file":         config.KeyPolicyFile,
	"log-level":           config.KeyLogLevel,
}

func newServeCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat stream server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file (toml, yaml or json)")
	addServeFlags(cmd)

	if err := bindFlags(v, cmd); err != nil {
		panic(err)
	}
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("store", repository.BackendSQLite, "store backend: sqlite or jsonl")
	flags.String("database-url", "", "sqlite DSN")
	flags.String("data-dir", "", "data directory for the jsonl backend")
	flags.String("worker", "", "agent worker command")
	flags.StringSlice("worker-arg", nil, "agent worker argument (repeatable)")
	flags.String("worker-dir", "", "agent worker working directory")
	flags.Int("max-concurrent-runs", 16, "maximum number of concurrent runs, 0 for no limit")
	flags.String("policy-file", "", "rego admission policy, empty for the built-in policy")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
}

// bindFlags lets explicitly set flags override every other config source.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range serveFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if cfg.StoreBackend == repository.BackendJSONL {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	// Store
	store, err := repository.Open(cfg.StoreBackend, cfg.Location())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sink := persist.New(store, persist.Options{})
	defer sink.Close()

	// Runs
	sup := supervisor.New(supervisor.Config{
		Command:          cfg.WorkerCommand,
		Args:             cfg.WorkerArgs,
		Dir:              cfg.WorkerDir,
		TerminateTimeout: cfg.TerminateTimeout,
	})
	runs := ledger.New(ledger.Config{
		BufferSize:        cfg.BufferSize,
		SubscriberBuffer:  cfg.SubscriberBuffer,
		GracePeriod:       cfg.GracePeriod,
		PersistInterval:   cfg.PersistInterval,
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
	}, ledger.Supervised(sup), sink)

	// Policy
	policyEngine, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	svc := service.New(store, runs, sink, cfg, policyEngine)
	e := httptransport.NewServer(svc, cfg)

	if cfg.WorkerCommand == "" {
		slog.Warn("no worker command configured, every run will fail to start")
	}
	slog.Info("crmweb started",
		"version", Version,
		"http_port", cfg.HTTPPort,
		"store_backend", cfg.StoreBackend,
		"worker_command", cfg.WorkerCommand,
		"max_concurrent_runs", cfg.MaxConcurrentRuns,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Runs first: aborting them ends every open stream so the HTTP
		// shutdown does not wait on them.
		var errs []error
		if err := runs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop runs: %w", err))
		}
		if err := e.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	slog.Info("crmweb stopped", "error", err)
	return err
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/config"
	"github.com/nimbusops/nimbus/pkg/events"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/jobs"
	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/manager"
	"github.com/nimbusops/nimbus/pkg/metrics"
	"github.com/nimbusops/nimbus/pkg/reconciler"
	"github.com/nimbusops/nimbus/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nimbus",
	Short: "Nimbus - cloud control-plane reconciler",
	Long: `Nimbus keeps a local model of cloud resources (instances, volumes,
snapshots, floating IPs, security groups) in sync with the provider and
drives asynchronous provisioning workflows against its APIs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nimbus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the reconciliation daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("server")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	exec := executor.New(store, broker,
		executor.WithWorkers(cfg.Workers),
		executor.WithThrottleLimit(cfg.ThrottleLimit),
	)
	exec.Start(ctx)
	defer exec.Stop()

	clients := backend.ClientFactory(backend.OpenStackFactory)
	rec := reconciler.New(store, clients)
	mgr := manager.New(store, exec, rec, clients, broker, manager.Config{
		PollDelay:    cfg.PollDelay(),
		PollAttempts: cfg.PollAttempts,
	})

	runner := jobs.New(store, mgr, jobs.Config{
		PullInterval:     cfg.PullInterval(),
		ScheduleInterval: cfg.ScheduleInterval(),
		SweepInterval:    cfg.SweepInterval(),
		StuckThreshold:   cfg.StuckThreshold(),
	})
	runner.Start(ctx)
	defer runner.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("nimbus started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	return server.Shutdown(context.Background())
}

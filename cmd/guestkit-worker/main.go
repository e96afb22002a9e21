// Command guestkit-worker runs the VM-inspection worker core: it fetches
// job documents from a configured transport, dispatches them to
// registered handlers, and serves metrics/REST endpoints alongside.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssahani/guestkit-worker/pkg/api"
	"github.com/ssahani/guestkit-worker/pkg/config"
	"github.com/ssahani/guestkit-worker/pkg/log"
	"github.com/ssahani/guestkit-worker/pkg/metrics"
	"github.com/ssahani/guestkit-worker/pkg/worker"
)

var (
	cfg        = config.Default()
	configFile string

	version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guestkit-worker",
		Short: "VM-inspection job worker core",
	}

	root.PersistentFlags().StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "stable identifier for this worker process")
	root.PersistentFlags().StringVar(&cfg.Pool, "pool", cfg.Pool, "worker pool name")
	root.PersistentFlags().StringVar((*string)(&cfg.Transport), "transport", string(cfg.Transport), "transport kind: file|http")
	root.PersistentFlags().StringVar(&cfg.JobsDir, "jobs-dir", cfg.JobsDir, "file-transport ingress directory")
	root.PersistentFlags().StringVar(&cfg.ResultsDir, "results-dir", cfg.ResultsDir, "file-transport results directory")
	root.PersistentFlags().IntVar(&cfg.MaxQueueSize, "max-queue-size", cfg.MaxQueueSize, "http-transport max queue size")
	root.PersistentFlags().IntVar(&cfg.MaxConcurrentJobs, "max-concurrent-jobs", cfg.MaxConcurrentJobs, "bounded-concurrency capacity")
	root.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics bind address")
	root.PersistentFlags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "REST API bind address")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON-formatted logs")
	root.PersistentFlags().StringVar(&cfg.LibvirtURI, "libvirt-uri", cfg.LibvirtURI, "optional libvirt socket path to enable the supplementary libvirt handler")
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file, applied on top of flags")

	cobra.OnInitialize(initLogging)

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func initLogging() {
	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker's fetch/dispatch/execute loop and its HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(&cfg, configFile); err != nil {
					return err
				}
			}
			return runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func runServe() error {
	logger := log.WithWorkerID(cfg.WorkerID)

	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("building worker: %w", err)
	}
	w.Start()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	apiSrv := api.NewServer(w, cfg.APIAddr)
	go func() {
		if err := apiSrv.Start(); err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}()

	logger.Info().
		Str("jobs_dir", cfg.JobsDir).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("api_addr", cfg.APIAddr).
		Str("transport", string(cfg.Transport)).
		Msg("guestkit-worker serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	_ = apiSrv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)

	return nil
}

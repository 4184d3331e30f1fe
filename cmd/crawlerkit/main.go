// crawlerkit moves crawled records between snapshot files and the
// supported stores, and wraps the small operational chores of a crawl.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/YashengChen/crawlerkit"
)

var (
	configFile  string
	metricsAddr string
	progress    bool

	// Set by the build
	Version = "dev"
)

// app holds what the subcommands share once flags are parsed.
type app struct {
	cfg     *fileConfig
	logger  *crawlerkit.ZapLogger
	metrics crawlerkit.Metrics
	server  *http.Server
	closers []func()
}

var current *app

var rootCmd = &cobra.Command{
	Use:           "crawlerkit",
	Short:         "Move crawled records between snapshots and data stores",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "crawlerkit.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	rootCmd.PersistentFlags().BoolVar(&progress, "progress", false, "Draw a progress bar for bulk writes")

	setupCommands()
}

func newApp() (*app, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger, err := crawlerkit.NewZapLoggerFromConfig(cfg.Log.LogConfig)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: &crawlerkit.NoOpMetrics{}}
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		a.metrics = crawlerkit.NewPrometheusMetrics(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		a.server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		c()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	_ = a.logger.Sync()
}

// observer returns the progress side channel selected by flags and config.
func (a *app) observer() crawlerkit.Observer {
	if progress || a.cfg.Log.Progress {
		return crawlerkit.NewProgressObserver(os.Stderr)
	}
	return crawlerkit.LoggingObserver{Logger: a.logger}
}

// execute runs one command line. The app opened by the pre-run hook is
// closed on every path, including a failing RunE.
func execute(ctx context.Context, args []string) error {
	defer func() {
		if current != nil {
			current.close()
			current = nil
		}
	}()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

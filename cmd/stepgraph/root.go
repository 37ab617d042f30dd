package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dshills/stepgraph/graph/store"
	"github.com/dshills/stepgraph/internal/config"
	"github.com/dshills/stepgraph/log"
)

// RootOptions holds global flags and the resources they open.
type RootOptions struct {
	ConfigPath  string
	StoreDSN    string
	MetricsAddr string
	Format      string

	cfg     config.Config
	store   store.Store
	metrics *cliMetrics
	server  *http.Server
}

// cliMetrics is the registry served on --metrics-addr: Go runtime and
// process collectors plus a count of commands run.
type cliMetrics struct {
	registry *prometheus.Registry
	commands *prometheus.CounterVec
}

func newCLIMetrics() *cliMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepgraph",
		Subsystem: "cli",
		Name:      "commands_total",
		Help:      "Store commands run, by command name",
	}, []string{"command"})
	registry.MustRegister(commands)
	return &cliMetrics{registry: registry, commands: commands}
}

func (m *cliMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the stepgraph command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stepgraph",
		Short: "Inspect stepgraph checkpoint threads",
		Long: `stepgraph reads and manages the checkpoint history that graph runs
write to a store. The store is chosen by DSN scheme: mem, sqlite, mysql,
postgres or redis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.StoreDSN, "store", "", "store DSN, overrides the config file")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Go runtime, process and command-count metrics on this address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func (o *RootOptions) open(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}
	// version needs no store.
	if cmd.Annotations["store"] == "none" {
		return nil
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.StoreDSN != "" {
		cfg.Store = o.StoreDSN
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
	o.cfg = cfg
	log.SetLevel(cfg.LogLevel)

	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	o.store = st

	o.metrics = newCLIMetrics()
	o.metrics.commands.WithLabelValues(cmd.Name()).Inc()
	if cfg.MetricsAddr != "" {
		o.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (o *RootOptions) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.metrics.handler())
	o.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Default.Errorw("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	log.Default.Infow("serving metrics", "addr", addr)
}

func (o *RootOptions) close() error {
	var errs []error
	if o.server != nil {
		errs = append(errs, o.server.Close())
		o.server = nil
	}
	if o.store != nil {
		errs = append(errs, o.store.Close())
		o.store = nil
	}
	return errors.Join(errs...)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"edgebrain/internal/config"
	"edgebrain/internal/telemetry"
	"edgebrain/pkg/edgebrain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags override the matching config file values when set.
type globalFlags struct {
	configPath string
	store      string
	dbPath     string
	logLevel   string
	logFormat  string
	jsonOut    bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "edgebrainctl",
		Short:         "Train and inspect gated-circuit classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config path")
	pf.StringVar(&flags.store, "store", "", "store backend: memory|sqlite|badger")
	pf.StringVar(&flags.dbPath, "db-path", "", "sqlite file or badger directory")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: auto|text|json")
	pf.BoolVar(&flags.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newTrainCommand(flags),
		newInspectCommand(flags),
		newEquivCommand(flags),
		newEvalCommand(flags),
		newRunsCommand(flags),
	)
	return root
}

// session is the per-command state built from the global flags.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	client  *edgebrain.Client
}

func openSession(cmd *cobra.Command, flags *globalFlags) (*session, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.store != "" {
		cfg.Storage.Backend = flags.store
	}
	if flags.dbPath != "" {
		cfg.Storage.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Runtime.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Runtime.LogFormat = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	client, err := edgebrain.NewClient(edgebrain.Options{
		StoreKind: cfg.Storage.Backend,
		DBPath:    cfg.Storage.Path,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, metrics: metrics, client: client}, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// serveMetrics exposes the session's collectors until ctx ends. It returns a
// function that shuts the listener down.
func (s *session) serveMetrics(ctx context.Context) (func(), error) {
	addr := s.cfg.Runtime.MetricsAddr
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

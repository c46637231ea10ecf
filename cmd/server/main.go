package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tuannm99/novads/internal"
	"github.com/tuannm99/novads/internal/engine"
	"github.com/tuannm99/novads/server/admin"
	"github.com/tuannm99/novads/server/dswire"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := internal.NewViper()
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "novads-server",
		Short:        "Serve NovaDS data sets over the dswire protocol",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, cfgPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgPath, "config", "c", "novads.yaml", "configuration file")
	flags.String("addr", "", "dswire listen address (server.addr)")
	flags.String("metrics-addr", "", "admin HTTP listen address (server.metrics_addr)")
	flags.String("log-level", "", "log level: debug, info, warn, error (log.level)")
	flags.String("log-format", "", "log format: text or json (log.format)")
	for key, name := range map[string]string{
		"server.addr":         "addr",
		"server.metrics_addr": "metrics-addr",
		"log.level":           "log-level",
		"log.format":          "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, cfgPath string) error {
	cfg, err := internal.Load(v, cfgPath)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.Open(ctx, cfg, engine.Options{Registerer: reg})
	if err != nil {
		return errors.Wrap(err, "open engine")
	}
	defer func() { _ = eng.Close() }()

	if err := eng.Ping(ctx); err != nil {
		slog.Warn("back-end not reachable at startup", "err", err)
	}

	if cfg.Server.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           admin.NewHandler(eng, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("admin http listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin http", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	slog.Info("novads starting", "app", cfg.AppName, "datasets", len(eng.Datasets()))
	return dswire.NewServer(eng).Run(ctx, cfg.Server.Addr)
}

func setupLogger(cfg *internal.NovaDSConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return errors.Wrapf(err, "log level %q", cfg.Log.Level)
	}
	if cfg.Server.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return errors.Errorf("unknown log format %q", cfg.Log.Format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

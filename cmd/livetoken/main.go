package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Howardzhangdqs/livetoken/internal/collector"
	"github.com/Howardzhangdqs/livetoken/internal/config"
	"github.com/Howardzhangdqs/livetoken/internal/console"
	"github.com/Howardzhangdqs/livetoken/internal/exporter"
	"github.com/Howardzhangdqs/livetoken/internal/hub"
	"github.com/Howardzhangdqs/livetoken/internal/logger"
	"github.com/Howardzhangdqs/livetoken/internal/monitor"
	"github.com/Howardzhangdqs/livetoken/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:          "livetoken",
	Short:        "Relay Anthropic and OpenAI calls and watch token throughput live",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("config", "c", "", "config file (toml, yaml or json)")
	f.IntP("port", "p", config.DefaultPort, "listen port")
	f.String("host", config.DefaultHost, "listen host")
	f.Bool("console", true, "show the live console panel when attached to a terminal")
	f.String("event-log", "", "append every telemetry event to this NDJSON file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(cfgPath)
	v := loader.Viper()
	for key, flag := range map[string]string{
		"port":           "port",
		"host":           "host",
		"enable_console": "console",
		"event_log_path": "event-log",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := monitor.NewStore(cfg.MaxHistory)
	h := hub.New(store, log)
	exp := exporter.New(store.ActiveCount, h.Len)
	h.Listen(exp.Observe)

	if cfg.EventLogPath != "" {
		sink, err := collector.NewSink(cfg.EventLogPath)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := h.Connect(sink); err != nil {
			return errors.Wrap(err, "attach event log")
		}
	}

	srv := proxy.NewServer(proxy.Options{
		Upstream:             upstreamOf(cfg),
		UpstreamTimeout:      cfg.UpstreamTimeout,
		CaptureBytes:         cfg.CaptureBytes,
		MaxRequestBytes:      cfg.MaxRequestBytes,
		ObserverBuffer:       cfg.ObserverBuffer,
		ObserverWriteTimeout: cfg.ObserverWriteTimeout,
	}, store, h, exp.Handler(), log)

	if loader.Watch(func(c config.Config) { srv.SetUpstream(upstreamOf(c)) }) {
		log.Info("watching config file", "file", loader.ConfigFile())
	}

	httpSrv := srv.HTTPServer(cfg.Addr())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("livetoken listening",
			"addr", cfg.Addr(),
			"anthropic", cfg.AnthropicBaseURL,
			"openai", cfg.OpenAIBaseURL,
			"max_history", cfg.MaxHistory)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	if console.Enabled(cfg.EnableConsole, os.Stdout) {
		g.Go(func() error {
			return console.New(store, os.Stdout).Run(gctx)
		})
	}

	return g.Wait()
}

func upstreamOf(c config.Config) proxy.Upstream {
	return proxy.Upstream{
		AnthropicBaseURL: c.AnthropicBaseURL,
		OpenAIBaseURL:    c.OpenAIBaseURL,
		APIKey:           c.APIKey,
		AnthropicVersion: c.AnthropicVersion,
	}
}

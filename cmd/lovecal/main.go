package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"lovecal/internal/config"
	appLog "lovecal/internal/log"
	"lovecal/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()
	appLog.Info("lovecal starting", "version", version)
	defer appLog.Sync()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"redis", conf.Redis.Addr != "",
		"remote", appLog.RedactURL(conf.Remote.BaseURL),
		"calendar_provider", conf.Calendar.Provider,
		"batch_policy", conf.Calendar.BatchPolicy,
		"scopes", len(conf.Sync.Scopes),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := newApp(conf)
	if err != nil {
		appLog.Error("failed to initialize", err)
		os.Exit(1)
	}
	defer a.Close()

	if flags.once {
		if err := a.refresh(ctx, conf.Sync.Scopes, conf.Calendar.Feeds); err != nil {
			appLog.Error("refresh failed", err)
			os.Exit(1)
		}
		appLog.Info("lovecal exiting")
		return
	}

	go a.logSyncState(ctx)
	a.watchCouples(ctx, conf.Sync.Scopes)

	sched := cron.New(cron.WithLocation(a.loc))
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if err := a.refresh(ctx, conf.Sync.Scopes, conf.Calendar.Feeds); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(conf, web.Deps{
			Sync:     a.sync,
			Couples:  a.couples,
			Calendar: a.calendar,
			Suggest:  a.suggest,
			Feeds:    a.feeds,
			Clock:    a.clock,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Wait for a running refresh to finish before tearing down the stores.
	<-sched.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown failed", err)
	}
	appLog.Info("lovecal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/lovecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one full sync of the configured scopes and exit")

	flag.Parse()

	return cfg
}

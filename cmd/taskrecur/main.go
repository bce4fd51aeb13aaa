package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskrecur/internal/agenda"
	"taskrecur/internal/calendar"
	"taskrecur/internal/config"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/series"
	"taskrecur/internal/store"
	"taskrecur/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	applyLogging(conf)
	appLog.Info("taskrecur starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"locale", conf.Locale,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"store", conf.Store.Driver,
		"once", flags.once,
	)

	if err := run(conf, flags.configPath, flags.once); err != nil {
		appLog.Error("taskrecur failed", err)
		os.Exit(1)
	}
	appLog.Info("taskrecur exiting")
}

func run(conf *config.Config, configPath string, once bool) error {
	st, err := store.Open(conf.Store.Driver, conf.Store.DSN)
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		defer c.Close()
	}

	mgr := series.NewManager(st, series.Options{MaxWindowDays: conf.MaxWindowDays})
	loc, err := calendar.LoadZone(conf.Timezone)
	if err != nil {
		return err
	}
	sched, err := agenda.NewScheduler(agenda.NewBuilder(mgr, conf.Locale), conf.RefreshCron, loc, conf.HorizonDays)
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		_, err := sched.RunOnce(ctx)
		return err
	}

	sched.Start(ctx)
	go func() {
		if err := config.Watch(ctx, configPath, applyLogging); err != nil {
			appLog.Error("config watch stopped", err, "config_path", configPath)
		}
	}()

	srv := web.NewServer(conf, mgr)
	notify(daemon.SdNotifyReady)
	defer notify(daemon.SdNotifyStopping)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// applyLogging is the hot-reloadable part of the config. Everything else
// takes effect on restart.
func applyLogging(c *config.Config) {
	appLog.Setup(os.Stderr, appLog.Format(c.Log.Format))
	level, _ := appLog.ParseLevel(c.Log.Level)
	appLog.SetLevel(level)
	appLog.Info("logging reconfigured", "level", c.Log.Level, "format", c.Log.Format)
}

// notify reports state to systemd when running under a notify unit.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		appLog.Error("sd_notify failed", err, "state", state)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/taskrecur/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Log one agenda digest and exit")

	flag.Parse()

	return cfg
}

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"schoolalarm/internal/app"
	"schoolalarm/internal/calendar"
	"schoolalarm/internal/commands"
	"schoolalarm/internal/config"
	"schoolalarm/internal/ics"
	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/notify"
	"schoolalarm/internal/scheduler"
	"schoolalarm/internal/store"
	"schoolalarm/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := commands.HashPassword(os.Args[2:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return
			}
			appLog.Error("hash-password failed", err)
			os.Exit(1)
		}
		return
	}

	if err := godotenv.Load(); err != nil {
		appLog.Debug("no .env file loaded", "err", err)
	}

	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("schoolalarm exited with error", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return err
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := appLog.Init(appLog.Level(conf.Log.Level), conf.Log.Format); err != nil {
		return err
	}

	appLog.Info("schoolalarm starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"store", conf.Store.Driver,
		"calendar_configured", conf.Calendar.URL != "",
		"school_year_start", conf.Calendar.SchoolYearStart,
		"school_year_end", conf.Calendar.SchoolYearEnd,
		"lookahead_days", conf.Calendar.LookaheadDays,
		"slack", conf.Slack.Token != "",
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := kv.Open(conf.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	loc := conf.Location()
	yearStart, yearEnd := conf.SchoolYear()

	var deliverer notify.Deliverer = notify.LogDeliverer{}
	if conf.Slack.Token != "" && conf.Slack.Channel != "" {
		deliverer = notify.MultiDeliverer{
			notify.LogDeliverer{},
			notify.NewSlackDeliverer(slack.New(conf.Slack.Token), conf.Slack.Channel),
		}
	}

	overrides := store.NewOverrideStore(db, loc)
	center := notify.NewLocalCenter(db, deliverer, notify.WithCeiling(conf.Notifications.Ceiling))
	cal := calendar.NewService(db, ics.NewFetcher(conf.Calendar.CacheDir), calendar.Options{
		URL:             conf.Calendar.URL,
		SchoolYearStart: yearStart,
		SchoolYearEnd:   yearEnd,
		Location:        loc,
		MaxAge:          conf.Calendar.MaxAge,
	})

	a := app.New(app.Deps{
		Alarms:      store.NewAlarmStore(db),
		Overrides:   overrides,
		Calendar:    cal,
		Center:      center,
		Scheduler:   scheduler.New(center, overrides, conf.Notifications, loc),
		Cron:        cron.New(cron.WithLocation(loc)),
		RefreshSpec: conf.Calendar.RefreshCron,
		Lookahead:   conf.Calendar.LookaheadDays,
		Location:    loc,
	})

	if flags.once {
		return runOnce(ctx, a)
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	centerDone := make(chan struct{})
	go func() {
		defer close(centerDone)
		if err := center.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("notification center stopped", err)
		}
	}()

	err = web.NewServer(conf, a).Serve(ctx)
	cancel()
	<-centerDone
	appLog.Info("schoolalarm exiting")
	return err
}

// runOnce loads state and runs a single foreground pass.
func runOnce(ctx context.Context, a *app.App) error {
	if err := a.Load(ctx); err != nil {
		return err
	}
	res, err := a.Foreground(ctx)
	if err != nil {
		return err
	}
	appLog.Info("single pass complete",
		"scheduled_days", len(res.ScheduledDays),
		"requests", res.Requests,
		"pending", res.Pending,
		"refresh_at", res.RefreshAt,
	)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/schoolalarm/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the calendar, reschedule alarms once and exit")

	flag.Parse()

	return cfg
}

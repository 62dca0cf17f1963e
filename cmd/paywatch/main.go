package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"paywatch/internal/config"
	"paywatch/internal/pipeline"
	"paywatch/internal/storage"
	"paywatch/internal/survey"
	"paywatch/internal/telegram"
	"paywatch/pkg/logx"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yml", "path to config file (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single pass immediately and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, once); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, once bool) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.Log)
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.BusyTimeoutDuration(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	gw, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram gateway: %w", err)
	}

	src := survey.NewSQLSource(store.DB())

	pipe := pipeline.New(pipeline.Config{
		Workers: cfg.Pipeline.Workers,
		BaseURL: cfg.Report.BaseURL,
	}, store, src, gw, log.With(logx.String("comp", "pipeline")))

	if once {
		n := pipe.ProcessAll(ctx, uuid.NewString())
		log.Info("single pass done", logx.Int("sent", n))
		return nil
	}

	// Live reload: log and pipeline tunables follow the config file. A changed
	// cron schedule still needs a restart.
	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for next := range updates {
			logSvc.Apply(next.Log)
			pipe.Apply(pipeline.Config{
				Workers: next.Pipeline.Workers,
				BaseURL: next.Report.BaseURL,
			})
		}
	}()

	// SkipIfStillRunning backs the no-overlapping-passes guarantee the
	// pipeline relies on.
	croner := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{log.With(logx.String("comp", "cron"))}),
	))
	_, err = croner.AddFunc(cfg.Pipeline.Schedule, func() {
		pipe.ProcessAll(ctx, uuid.NewString())
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Pipeline.Schedule, err)
	}
	croner.Start()
	log.Info("paywatch started", logx.String("schedule", cfg.Pipeline.Schedule))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Let an in-flight pass finish its sends; the pass context is already
	// cancelled, so only in-flight subscriptions complete.
	<-croner.Stop().Done()
	log.Info("paywatch stopped")
	return nil
}

// cronLogger adapts logx to cron's logging interface.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}

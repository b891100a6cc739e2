package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"hvcollector/config"
	"hvcollector/internal/cache"
	"hvcollector/internal/dashboard"
	"hvcollector/internal/metrics"
	"hvcollector/logger"
	"hvcollector/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	assetsPath := flag.String("assets", "", "Path to asset list (overrides run.asset_list)")
	once := flag.Bool("once", false, "Run once even when run.schedule is set")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
	}).Info("starting hvcollector")

	if *assetsPath != "" {
		cfg.Run.AssetList = *assetsPath
	}
	assets, err := config.LoadAssets(cfg.Run.AssetList)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": cfg.Run.AssetList}).Error("Failed to load asset list")
		os.Exit(1)
	}

	if config.IsProductionLike(env) && !cfg.Storage.S3.Enabled {
		log.WithFields(logger.Fields{"env": env}).Warn("S3 export disabled in a production-like environment; results stay on local disk only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		log.WithError(err).WithEnv("REDIS_ADDR").Error("Failed to initialize fragment cache")
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
	}

	exporter, err := writer.NewExporter(ctx, cfg)
	if err != nil {
		log.WithError(err).WithEnv("AWS_REGION", "S3_BUCKET").Error("Failed to initialize exporter")
		os.Exit(1)
	}

	a := &app{
		cfg:       cfg,
		assets:    assets,
		store:     store,
		exporter:  exporter,
		dashboard: dashboard.NewServer(cfg.Dashboard, log),
		log:       log,
	}

	if cfg.Metrics.CloudWatch.Enabled {
		a.cloudWatch, err = metrics.NewCloudWatch(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			log.WithError(err).Warn("CloudWatch disabled")
		}
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		a.metricsSrv = &metrics.Server{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.metricsSrv.Run(ctx, cfg.Metrics.Address); err != nil {
				log.WithError(err).Warn("metrics server failed")
			}
		}()
	}
	if a.dashboard != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.dashboard.Run(ctx, cfg.App.Name); err != nil {
				log.WithError(err).Warn("dashboard failed")
			}
		}()
	}

	if cfg.Run.Schedule == "" || *once {
		if err := a.run(ctx); err != nil {
			log.WithError(err).Error("run failed")
			stop()
			wg.Wait()
			os.Exit(1)
		}
		if a.dashboard != nil {
			log.WithFields(logger.Fields{"address": a.dashboard.Address()}).Info("serving results until shutdown")
			<-ctx.Done()
		}
	} else {
		if err := schedule(ctx, a, log); err != nil {
			log.WithError(err).Error("scheduler failed")
			stop()
			wg.Wait()
			os.Exit(1)
		}
	}

	stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	log.Info("hvcollector stopped")
}

// schedule runs a on cfg.Run.Schedule (UTC) until ctx is cancelled. A run
// still in progress when the next tick fires is not overlapped.
func schedule(ctx context.Context, a *app, log *logger.Log) error {
	log.SkipCallers("main.cronLogger.")
	cl := cronLogger{entry: log.WithComponent("scheduler")}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(a.cfg.Run.Schedule, func() {
		if err := a.run(ctx); err != nil {
			entry := log.WithComponent("scheduler").WithError(err)
			if errors.Is(err, errPreflight) {
				entry.Error("run skipped: no source reachable")
				return
			}
			entry.Error("run failed")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	log.WithComponent("scheduler").WithFields(logger.Fields{
		"schedule": a.cfg.Run.Schedule,
		"next_run": c.Entry(id).Schedule.Next(time.Now().UTC()).Format(time.RFC3339),
	}).Info("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	entry *logger.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	f := logger.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}

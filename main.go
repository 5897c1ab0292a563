package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"autofanfic/internal/api"
	"autofanfic/internal/calibre"
	"autofanfic/internal/config"
	"autofanfic/internal/fanficfare"
	"autofanfic/internal/logger"
	"autofanfic/internal/mail"
	"autofanfic/internal/notify"
	"autofanfic/internal/pipeline"
	"autofanfic/internal/storage"
	"autofanfic/internal/supervisor"
)

const (
	ingressBuffer = 256
	workerBuffer  = 256
)

func main() {
	configPath := flag.String("config", filepath.Join("config.default", "config.toml"), "path to the TOML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(os.Stdout, verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Info("starting autofanfic", "config", configPath, "workers", cfg.MaxWorkers)

	ctx := context.Background()

	store, err := openStorage()
	if err != nil {
		// History is an amenity; the pipeline runs without it.
		log.Warn("history database unavailable", "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	calibreClient := calibre.NewClient(log, cfg.Calibre)
	if version, err := calibreClient.Version(ctx); err != nil {
		log.Warn("calibredb probe failed, continuing anyway", "error", err)
	} else {
		log.Info("calibredb found", "version", version)
	}

	dispatcher := buildDispatcher(log, cfg)
	defer func() {
		if !dispatcher.Drain(cfg.Process.SignalBudget()) {
			log.Warn("notification deliveries abandoned", "budget", cfg.Process.SignalBudget())
		}
	}()

	active := pipeline.NewActiveSet()
	ingress := make(chan pipeline.Message, ingressBuffer)
	retryIn := make(chan *pipeline.Task, ingressBuffer)

	deps := pipeline.WorkerDeps{
		Library:      calibreClient,
		Downloader:   fanficfare.NewRunner(log, cfg.Calibre, verbose),
		Reconciler:   &pipeline.CalibreReconciler{Client: calibreClient, Mode: cfg.Calibre.MetadataPreservationMode},
		Notifier:     dispatcher,
		RetryConfig:  cfg.Retry,
		UpdateMethod: cfg.Calibre.UpdateMethod,
		TaskTimeout:  cfg.Process.WorkerBudget(),
	}
	if store != nil {
		deps.Recorder = store
	}

	workerChans := make(map[string]chan *pipeline.Task, cfg.MaxWorkers)
	for i := 1; i <= cfg.MaxWorkers; i++ {
		workerChans[fmt.Sprintf("worker-%d", i)] = make(chan *pipeline.Task, workerBuffer)
	}

	sup := supervisor.New(log, cfg.Process)

	// The coordinator snapshots the worker set at construction, so every
	// worker channel must exist before this point.
	coordinator := pipeline.NewCoordinator(log, ingress, workerChans)
	sup.Register("coordinator", coordinator.Run)

	for id, ch := range workerChans {
		w := pipeline.NewWorker(id, log, ch, ingress, retryIn, active, deps)
		sup.Register(id, w.Run)
	}

	scheduler := pipeline.NewRetryScheduler(log, retryIn, ingress)
	sup.Register("retry-scheduler", scheduler.Run)

	ingester := mail.NewIngester(log, cfg.Email, mail.NewIMAPFetcher(cfg.Email), active, ingress, dispatcher)
	sup.Register("email-ingester", ingester.Run)

	if cfg.Process.EnableMonitoring {
		server := api.NewServer(log, api.DefaultPort, sup, coordinator, active, store)
		sup.Register("monitoring-api", server.Run)
	}

	return sup.Run(ctx)
}

func buildDispatcher(log *slog.Logger, cfg *config.Config) *notify.Dispatcher {
	var backends []notify.Backend
	if cfg.Pushbullet.Enabled {
		backends = append(backends, notify.NewPushbullet(cfg.Pushbullet.APIKey, cfg.Pushbullet.Device))
	}
	if len(cfg.Apprise.URLs) > 0 {
		urls, err := notify.NewURLNotifier(cfg.Apprise.URLs)
		if err != nil {
			log.Warn("notification urls rejected", "error", err)
		} else {
			backends = append(backends, urls)
		}
	}
	if len(backends) == 0 {
		log.Info("no notification back-ends configured")
	}
	return notify.NewDispatcher(log, backends...)
}

func openStorage() (*storage.Storage, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dbDir := filepath.Join(dir, "autofanfic")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}
	return storage.Open(filepath.Join(dbDir, "history.db"))
}

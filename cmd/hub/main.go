package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/hub"
	"github.com/makt28/vigil/internal/monitor"
	"github.com/makt28/vigil/internal/notify"
	"github.com/makt28/vigil/internal/storage"
	"github.com/makt28/vigil/internal/web"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vigil-hub",
	Short: "Quorum uptime hub",
	Long: `Runs the vigil hub: accepts validator connections, schedules checks,
decides outages by quorum and delivers incident alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
	SilenceUsage: true,
}

func init() {
	defaultPath := os.Getenv("HUB_CONFIG")
	if defaultPath == "" {
		defaultPath = "hub.yaml"
	}
	rootCmd.Flags().StringVar(&configPath, "config", defaultPath, "path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	// --- 1. Load Config ---
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	// --- 2. Setup Logger ---
	setupLogger(cfg.System.LogLevel)
	slog.Info("starting vigil hub", "listen", cfg.System.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCh := make(chan struct{})

	// --- 3. Open Storage ---
	var (
		store  storage.Store
		pinger web.Pinger
		memory *storage.MemoryStore
	)
	if cfg.Database.URL != "" {
		db, err := storage.Connect(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		store, pinger = db, db
		slog.Info("using postgres storage")
	} else {
		memory, err = storage.NewMemoryStore(cfg.System.StateFile, cfg.System.MaxTicks)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		store = memory
		go periodicDump(memory, time.Duration(cfg.System.DumpInterval)*time.Second, stopCh)
		slog.Info("using file-backed memory storage", "path", cfg.System.StateFile)
	}

	// --- 4. Validator Registry & Correlator ---
	registry := hub.NewRegistry(store)
	correlator := hub.NewCorrelator(cfg.Monitor.ValidationTimeout())
	correlator.SetTimeoutSource(func() time.Duration { return cfgMgr.Get().Monitor.ValidationTimeout() })

	// --- 5. Alert Pipeline ---
	dispatcher := notify.NewDispatcher(store, cfgMgr)
	deliverer := notify.NewDeliverer(store, cfgMgr, notify.BuildSenders(cfg.Channels))

	// --- 6. Incidents & Scheduler ---
	incidents := monitor.NewIncidents(store, dispatcher)
	scheduler := monitor.NewScheduler(cfgMgr, store, registry, correlator, incidents, deliverer)
	scheduler.Start()

	go func() {
		if err := cfgMgr.Watch(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// --- 7. HTTP Server ---
	router := web.NewRouter(web.Deps{
		Config:     cfgMgr,
		Validators: registry,
		Incidents:  store,
		Acker:      incidents,
		WS:         hub.NewServer(registry, correlator),
		Pending:    correlator.Pending,
		DB:         pinger,
	}, stopCh)
	currentAddr := cfg.System.ListenAddr
	srv := &http.Server{
		Addr:    currentAddr,
		Handler: router,
	}

	go func() {
		slog.Info("vigil hub is running", "address", currentAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// --- 8. Follow config changes ---
	changes := cfgMgr.Subscribe()
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-changes:
				newCfg := cfgMgr.Get()
				deliverer.SetSenders(notify.BuildSenders(newCfg.Channels))
				setupLogger(newCfg.System.LogLevel)

				if newCfg.System.ListenAddr != currentAddr {
					slog.Info("listen address changed, restarting listener",
						"old", currentAddr, "new", newCfg.System.ListenAddr)
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					srv.Shutdown(shutdownCtx)
					cancel()
					currentAddr = newCfg.System.ListenAddr
					srv = &http.Server{
						Addr:    currentAddr,
						Handler: router,
					}
					go func() {
						slog.Info("vigil hub is running", "address", currentAddr)
						if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							slog.Error("server error", "error", err)
						}
					}()
				}
			}
		}
	}()

	// --- 9. Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig)

	close(stopCh)
	cancel()
	scheduler.Stop()

	if memory != nil {
		if err := memory.Dump(); err != nil {
			slog.Error("failed to dump state on shutdown", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}

	slog.Info("vigil hub stopped gracefully")
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func periodicDump(store *storage.MemoryStore, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := store.Dump(); err != nil {
				slog.Error("periodic state dump failed", "error", err)
			} else {
				slog.Debug("periodic state dump complete")
			}
		}
	}
}

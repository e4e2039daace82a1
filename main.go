// longaudio/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"longaudio/analyzer"
	"longaudio/api"
	"longaudio/config"
	"longaudio/enhance"
	"longaudio/ffmpeg"
	"longaudio/logging"
	"longaudio/notify"
	"longaudio/pipeline"
	"longaudio/segment"
	"longaudio/settings"
	"longaudio/storage"
	"longaudio/task"
	"longaudio/transcribe"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error(logging.CategoryApp, "fatal", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Open storage
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	settingsStore := settings.NewStore(db, settings.Defaults(cfg), cfg.SettingsCacheTTL)
	if err := config.Watch(func(reloaded *config.Config) {
		settingsStore.SetDefaults(settings.Defaults(reloaded))
	}); err != nil {
		logging.Debug(logging.CategorySettings, "config file not watched", "reason", err.Error())
	}

	// 3. Initialize the processing chain (runner first)
	runner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		return err
	}
	enhancer := enhance.New(analyzer.New(), runner, runner, cfg.WorkDir)
	segmenter := segment.New(runner, enhancer, cfg.WorkDir)

	transcriber, err := transcribe.New(cfg)
	if err != nil {
		return err
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.TelegramToken != "" {
		notifiers = append(notifiers, notify.NewTelegramNotifier(cfg.TelegramToken, time.Minute))
	}

	processor := pipeline.NewProcessor(segmenter, transcriber, settingsStore, cfg.ResultsDir, cfg.RetainSource)

	// 4. Initialize the queue and inject the processor
	tasks := task.NewStore(db)
	coordinator := task.NewCoordinator(tasks, processor, notifiers, runner, task.OptionsFromConfig(cfg))

	// 5. Set up router and server
	router := api.SetupRouter(coordinator, tasks, settingsStore, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 6. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info(logging.CategoryApp, "server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logging.Error(logging.CategoryApp, "server stopped", "error", err)
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logging.Info(logging.CategoryApp, "shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logging.Error(logging.CategoryApp, "server forced to shutdown", "error", serr)
	}

	// In-flight tasks are requeued as their workers observe cancellation.
	coordinator.Wait()
	logging.Info(logging.CategoryApp, "server exiting")
	return err
}

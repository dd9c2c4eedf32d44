// Command funcwatch serves live reloading of datapack function scripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/funcwatch/api"
	"github.com/GoCodeAlone/funcwatch/config"
	"github.com/GoCodeAlone/funcwatch/function"
	"github.com/GoCodeAlone/funcwatch/hotreload"
	"github.com/GoCodeAlone/funcwatch/mainloop"
	"github.com/GoCodeAlone/funcwatch/metrics"
	"github.com/GoCodeAlone/funcwatch/notify"
	"github.com/GoCodeAlone/funcwatch/tracing"
	"github.com/GoCodeAlone/funcwatch/watch"
)

var (
	configFile   = flag.String("config", "", "Path to funcwatch configuration YAML file")
	addr         = flag.String("addr", "", "HTTP listen address (overrides config)")
	datapacksDir = flag.String("datapacks", "", "Datapacks directory (overrides config)")
	watchIDs     = flag.String("watch", "", "Comma separated datapack ids to watch at startup")
	autoReload   = flag.Bool("auto", false, "Reload on every change")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracer *tracing.ReloadTracer
	var provider *tracing.Provider
	if cfg.Tracing.Enabled {
		provider, err = tracing.NewProvider(ctx, cfg.Tracing,
			tracing.WithEngine(cfg.DatapacksDir, cfg.Watch.Datapacks))
		if err != nil {
			log.Fatalf("Failed to set up tracing: %v", err)
		}
		tracer = provider.ReloadTracer()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Path: cfg.Metrics.Path})
	}

	compiler := function.NewCommandCompiler(function.NewCommandSet(cfg.Compile.Commands...))
	table, loadErrs := function.LoadDatapacks(ctx, cfg.DatapacksDir, compiler, logger)
	if len(loadErrs) > 0 {
		logger.Warn("some functions failed to load", "errors", len(loadErrs))
	}
	library := function.NewLibrary(table)

	hub := notify.NewHub(notify.HubOptions{
		Logger:            logger.With("component", "hub"),
		AllowedOrigins:    cfg.Notify.AllowedOrigins,
		MessagesPerSecond: cfg.Notify.MessagesPerSecond,
		Burst:             cfg.Notify.Burst,
	})
	sink := notify.NewMulti(logger, notify.NewLogSink(logger.With("component", "notify")), hub)

	loop := mainloop.New(logger.With("component", "mainloop"))

	engineOpts := hotreload.Options{
		DatapacksDir: cfg.DatapacksDir,
		Library:      library,
		Compiler:     compiler,
		Scheduler:    loop,
		Sink:         sink,
		Logger:       logger,
		Filter:       watch.ExtensionFilter(cfg.Watch.Extensions...),
		Concurrency:  cfg.Compile.Concurrency,
		AutoReload:   cfg.AutoReload,
		Tracer:       tracer,
	}
	if collector != nil {
		engineOpts.Observer = collector
		engineOpts.Recorder = collector
		collector.ObserveTableSize(table.Len())
	}
	engine, err := hotreload.New(engineOpts)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	for _, id := range cfg.Watch.Datapacks {
		if res, err := engine.StartWatch(id); res != watch.Started {
			logger.Warn("could not watch datapack", "datapack", id, "result", res.String(), "error", err)
		}
	}

	var cfgWatcher *config.Watcher
	if *configFile != "" {
		cfgWatcher = config.NewWatcher(config.NewFileSource(*configFile), func(evt config.ChangeEvent) {
			loop.Schedule(func() { applyConfig(engine, evt.Config, logger) })
		}, config.WithWatchLogger(logger.With("component", "config")))
		if err := cfgWatcher.Start(); err != nil {
			logger.Warn("config file will not be watched", "error", err)
			cfgWatcher = nil
		}
	}

	mux := http.NewServeMux()
	api.NewHandler(engine, library, logger.With("component", "api")).RegisterRoutes(mux)
	mux.Handle("GET /api/notifications", hub)
	if collector != nil {
		mux.Handle("GET "+collector.Path(), collector.Handler())
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", "addr", cfg.HTTP.Addr, "datapacks", engine.DatapacksDir(), "functions", table.Len())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		if cfgWatcher != nil {
			_ = cfgWatcher.Stop()
		}
		engine.StopAll()
		hub.Close()
		loop.Stop()
	}()

	// The main goroutine becomes the host loop that owns the function table.
	if err := loop.Run(ctx); err != nil {
		log.Printf("Main loop error: %v", err)
	}

	if provider != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
		done()
	}
	fmt.Println("Shutdown complete")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *datapacksDir != "" {
		cfg.DatapacksDir = *datapacksDir
	}
	if *watchIDs != "" {
		for _, id := range strings.Split(*watchIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Watch.Datapacks = append(cfg.Watch.Datapacks, id)
			}
		}
	}
	if *autoReload {
		cfg.AutoReload = true
	}
	return cfg, cfg.Validate()
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level, _ := config.ParseLevel(lc.Level)
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// applyConfig runs on the main loop after the config file changed. Only the
// auto reload switch and the startup watch list take effect without a restart.
func applyConfig(engine *hotreload.Engine, cfg *config.Config, logger *slog.Logger) {
	if engine.AutoReload() != cfg.AutoReload {
		engine.SetAutoReload(cfg.AutoReload)
	}
	active := make(map[string]bool)
	for _, id := range engine.Watching() {
		active[id] = true
	}
	for _, id := range cfg.Watch.Datapacks {
		if active[id] {
			continue
		}
		if res, err := engine.StartWatch(id); res != watch.Started {
			logger.Warn("could not watch datapack", "datapack", id, "result", res.String(), "error", err)
		}
	}
}

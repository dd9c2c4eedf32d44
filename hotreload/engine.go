// Package hotreload wires the watch registry, the pending change set and the
// reload orchestrator into the engine operators talk to.
package hotreload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GoCodeAlone/funcwatch/function"
	"github.com/GoCodeAlone/funcwatch/mainloop"
	"github.com/GoCodeAlone/funcwatch/notify"
	"github.com/GoCodeAlone/funcwatch/reload"
	"github.com/GoCodeAlone/funcwatch/tracing"
	"github.com/GoCodeAlone/funcwatch/watch"
)

// ErrInvalidDatapack is returned for ids that are not a plain directory name.
var ErrInvalidDatapack = errors.New("invalid datapack id")

// Options configures an Engine. DatapacksDir, Library, Compiler and Scheduler
// are required.
type Options struct {
	DatapacksDir string
	Library      *function.Library
	Compiler     function.Compiler
	Scheduler    mainloop.Scheduler

	Sink        notify.Sink
	Logger      *slog.Logger
	Filter      watch.Filter
	Concurrency int
	AutoReload  bool
	Observer    watch.Observer
	Recorder    reload.Recorder
	Tracer      *tracing.ReloadTracer
}

// Engine is the hot-reload facade: it starts and stops watch sessions per
// datapack and runs reload cycles against the shared function library.
type Engine struct {
	dir      string
	library  *function.Library
	changes  *watch.ChangeSet
	registry *watch.Registry
	reloader *reload.Orchestrator
	sink     notify.Sink
	logger   *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.DatapacksDir == "" {
		return nil, errors.New("hotreload: datapacks directory is required")
	}
	dir, err := filepath.Abs(opts.DatapacksDir)
	if err != nil {
		return nil, fmt.Errorf("hotreload: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}

	changes := watch.NewChangeSet()
	reloader, err := reload.New(reload.Options{
		Changes:     changes,
		Library:     opts.Library,
		Compiler:    opts.Compiler,
		Scheduler:   opts.Scheduler,
		Sink:        opts.Sink,
		Logger:      opts.Logger.With("component", "reload"),
		Concurrency: opts.Concurrency,
		Metrics:     opts.Recorder,
		Tracer:      opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	reloader.SetAutoReload(opts.AutoReload)

	regOpts := []watch.Option{
		watch.WithLogger(opts.Logger.With("component", "watch")),
		watch.WithChangeSet(changes),
		watch.WithSink(opts.Sink),
	}
	if opts.Filter != nil {
		regOpts = append(regOpts, watch.WithFilter(opts.Filter))
	}
	if opts.Observer != nil {
		regOpts = append(regOpts, watch.WithObserver(opts.Observer))
	}

	return &Engine{
		dir:      dir,
		library:  opts.Library,
		changes:  changes,
		registry: watch.NewRegistry(opts.Scheduler, regOpts...),
		reloader: reloader,
		sink:     opts.Sink,
		logger:   opts.Logger,
	}, nil
}

// DatapacksDir returns the absolute datapacks directory.
func (e *Engine) DatapacksDir() string { return e.dir }

// Library returns the function library the engine publishes to.
func (e *Engine) Library() *function.Library { return e.library }

// Pending returns the number of paths waiting for the next reload.
func (e *Engine) Pending() int { return e.changes.Len() }

// StartWatch begins watching <datapacks>/<id>.
func (e *Engine) StartWatch(id string) (watch.StartResult, error) {
	if err := validateID(id); err != nil {
		e.sink.Broadcast(notify.Error("watch", "Failed to start watching %s", id))
		return watch.StartFailed, err
	}

	root := filepath.Join(e.dir, id)
	res, err := e.registry.Start(id, root, e.reloader.HandleEvent)
	switch {
	case err != nil:
		e.logger.Error("failed to start watching", "datapack", id, "error", err)
		e.sink.Broadcast(notify.Error("watch", "Failed to start watching %s", id))
	case res == watch.Started:
		e.sink.Broadcast(notify.Info("watch", "Started watching datapack %s", id))
	case res == watch.AlreadyActive:
		e.sink.Broadcast(notify.Error("watch", "Failed to start watching %s: already watching", id))
	case res == watch.RootMissing:
		e.sink.Broadcast(notify.Error("watch", "Datapack not found: %s", id))
	}
	return res, err
}

// StopWatch stops the session for id and reports whether one existed.
func (e *Engine) StopWatch(id string) bool {
	if !e.registry.Stop(id) {
		e.sink.Broadcast(notify.Error("watch", "Failed to stop watching %s", id))
		return false
	}
	e.sink.Broadcast(notify.Info("watch", "Stopped watching datapack %s", id))
	return true
}

// StopAll stops every session. It is meant for host shutdown.
func (e *Engine) StopAll() {
	e.registry.StopAll()
}

// Watching returns the ids of the active sessions.
func (e *Engine) Watching() []string {
	return e.registry.Active()
}

// SetAutoReload switches reloading on every accepted change.
func (e *Engine) SetAutoReload(enabled bool) {
	e.reloader.SetAutoReload(enabled)
	if enabled {
		e.sink.Broadcast(notify.Info("watch", "Auto reload enabled"))
	} else {
		e.sink.Broadcast(notify.Info("watch", "Auto reload disabled"))
	}
}

// AutoReload reports whether auto reload is on.
func (e *Engine) AutoReload() bool {
	return e.reloader.AutoReload()
}

// TriggerReload runs one reload cycle over everything pending.
func (e *Engine) TriggerReload(ctx context.Context) <-chan reload.Report {
	e.sink.Broadcast(notify.Info("watch", "Hot reloading functions"))
	return e.reloader.Trigger(ctx)
}

// Datapacks lists the directory names below the datapacks directory.
func (e *Engine) Datapacks() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list datapacks: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidDatapack, id)
	}
	return nil
}

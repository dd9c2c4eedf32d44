// Package watch turns filesystem notifications for datapack function scripts
// into coalesced pending changes.
//
// A Registry owns one Session per datapack. Each session runs its own fsnotify
// watcher goroutine, records accepted events into a shared ChangeSet, and hands
// the event to the host's main loop. Sessions never touch host state directly.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/GoCodeAlone/funcwatch/function"
	"github.com/GoCodeAlone/funcwatch/mainloop"
	"github.com/GoCodeAlone/funcwatch/notify"
	"github.com/fsnotify/fsnotify"
)

// StartResult reports the outcome of Registry.Start.
type StartResult int

const (
	Started StartResult = iota
	AlreadyActive
	RootMissing
	StartFailed
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyActive:
		return "already_active"
	case RootMissing:
		return "root_missing"
	default:
		return "failed"
	}
}

// Observer receives watch statistics. metrics.Collector implements it.
type Observer interface {
	ObserveEvent(session string, kind Kind)
	ObserveSessions(active int)
	ObserveWatchError(session string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(string, Kind) {}
func (nopObserver) ObserveSessions(int)       {}
func (nopObserver) ObserveWatchError(string)  {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithFilter replaces the default function script filter.
func WithFilter(f Filter) Option {
	return func(r *Registry) { r.filter = f }
}

// WithChangeSet makes sessions record accepted events into cs.
func WithChangeSet(cs *ChangeSet) Option {
	return func(r *Registry) { r.changes = cs }
}

// WithSink sets where session lifecycle notifications go.
func WithSink(s notify.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry manages the active watch sessions, keyed by datapack id.
type Registry struct {
	scheduler mainloop.Scheduler
	logger    *slog.Logger
	filter    Filter
	changes   *ChangeSet
	sink      notify.Sink
	observer  Observer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry that delivers events through scheduler.
func NewRegistry(scheduler mainloop.Scheduler, opts ...Option) *Registry {
	r := &Registry{
		scheduler: scheduler,
		logger:    slog.Default(),
		filter:    ExtensionFilter(function.Extension),
		sink:      notify.Discard,
		observer:  nopObserver{},
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins watching root for the datapack id. onEvent is invoked on the
// main loop for every accepted event. A session that already exists for id or
// a missing root is declined without changing any state; the error is only
// set when the watch primitive itself fails.
func (r *Registry) Start(id, root string, onEvent func(Event)) (StartResult, error) {
	r.mu.Lock()
	_, exists := r.sessions[id]
	r.mu.Unlock()
	if exists {
		return AlreadyActive, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return StartFailed, fmt.Errorf("watch %s: %w", id, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RootMissing, nil
		}
		return StartFailed, fmt.Errorf("watch %s: %w", id, err)
	}
	if !info.IsDir() {
		return RootMissing, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return StartFailed, fmt.Errorf("watch %s: create fsnotify: %w", id, err)
	}
	s := newSession(id, absRoot, fsw)
	if _, err := s.addTree(absRoot); err != nil {
		_ = fsw.Close()
		return StartFailed, fmt.Errorf("watch %s: %w", id, err)
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		_ = fsw.Close()
		return AlreadyActive, nil
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.mu.Unlock()

	r.observer.ObserveSessions(active)
	r.logger.Info("watch session started", "session", id, "root", absRoot)

	go r.run(s, onEvent)
	return Started, nil
}

// Stop ends the session for id, closing its watcher. It reports whether a
// session existed.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	<-s.done
	return true
}

// StopAll ends every session.
func (r *Registry) StopAll() {
	for _, id := range r.Active() {
		r.Stop(id)
	}
}

// Active returns the ids of the running sessions, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session returns the running session for id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) run(s *Session, onEvent func(Event)) {
	var failure error
	defer func() { r.finish(s, failure) }()

	for {
		select {
		case <-s.stop:
			return

		case ev, ok := <-s.fsw.Events:
			if !ok {
				failure = errors.New("event stream closed")
				return
			}
			r.handle(s, ev, onEvent)

		case err, ok := <-s.fsw.Errors:
			if !ok {
				failure = errors.New("error stream closed")
				return
			}
			r.observer.ObserveWatchError(s.id)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				r.logger.Warn("watch event overflow, changes may be missed", "session", s.id)
				continue
			}
			failure = err
			return
		}
	}
}

// finish tears a session down once its goroutine exits, whether it was
// stopped or failed.
func (r *Registry) finish(s *Session, failure error) {
	_ = s.fsw.Close()

	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	s.err = failure
	r.observer.ObserveSessions(active)

	// A requested stop is announced by whoever asked for it.
	if failure != nil {
		r.logger.Error("watch session failed", "session", s.id, "root", s.root, "error", failure)
		msg := notify.Error("watch", "[watch:%s] watcher stopped: %v", s.id, failure)
		sink := r.sink
		r.scheduler.Schedule(func() { sink.Broadcast(msg) })
	} else {
		r.logger.Info("watch session stopped", "session", s.id)
	}
	close(s.done)
}

func (r *Registry) handle(s *Session, ev fsnotify.Event, onEvent func(Event)) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			files, err := s.addTree(ev.Name)
			if err != nil {
				r.logger.Warn("failed to watch new directory", "session", s.id, "path", ev.Name, "error", err)
			}
			for _, f := range files {
				if r.filter(f) {
					r.accept(s, Event{Path: f, Kind: Create, Root: s.root, Session: s.id}, onEvent)
				}
			}
			return
		}
	}

	kind, ok := kindOf(ev.Op)
	if !ok || !r.filter(ev.Name) {
		return
	}
	r.accept(s, Event{Path: ev.Name, Kind: kind, Root: s.root, Session: s.id}, onEvent)
}

func (r *Registry) accept(s *Session, ev Event, onEvent func(Event)) {
	if r.changes != nil {
		r.changes.Record(ev.Path, ev.Kind, ev.Root)
	}
	r.observer.ObserveEvent(s.id, ev.Kind)
	r.logger.Debug("function change", "session", s.id, "kind", ev.Kind.String(), "path", ev.Path)
	if onEvent != nil {
		r.scheduler.Schedule(func() { onEvent(ev) })
	}
}

// Package reload turns drained change batches into a new active function
// table.
//
// A cycle snapshots the pending changes on the caller's goroutine, compiles
// created and modified scripts on a bounded worker pool, and then applies the
// results on the main loop with a single atomic table replacement.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/funcwatch/function"
	"github.com/GoCodeAlone/funcwatch/mainloop"
	"github.com/GoCodeAlone/funcwatch/notify"
	"github.com/GoCodeAlone/funcwatch/tracing"
	"github.com/GoCodeAlone/funcwatch/watch"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrCompilePanic marks a file whose compile panicked.
var ErrCompilePanic = errors.New("compiler panicked")

// Recorder receives reload statistics. metrics.Collector implements it.
type Recorder interface {
	ObserveBatch(outcome string, d time.Duration, created, modified, deleted int)
	ObserveCompile(status string, d time.Duration)
	ObserveTableSize(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBatch(string, time.Duration, int, int, int) {}
func (nopRecorder) ObserveCompile(string, time.Duration)              {}
func (nopRecorder) ObserveTableSize(int)                              {}

// Options configures an Orchestrator. Changes, Library, Compiler and
// Scheduler are required.
type Options struct {
	Changes   *watch.ChangeSet
	Library   *function.Library
	Compiler  function.Compiler
	Scheduler mainloop.Scheduler

	Sink        notify.Sink
	Logger      *slog.Logger
	Concurrency int
	Metrics     Recorder
	Tracer      *tracing.ReloadTracer
}

// Failure describes one script that could not be reloaded.
type Failure struct {
	Path  string
	ID    function.ID
	State watch.State
	Err   error
}

// Report is the outcome of one reload cycle.
type Report struct {
	Batch      string
	Created    []function.ID
	Modified   []function.ID
	Deleted    []function.ID
	Failures   []Failure
	Err        error
	Generation uint64
}

// Applied returns the number of identifiers written to or removed from the
// table.
func (r Report) Applied() int {
	return len(r.Created) + len(r.Modified) + len(r.Deleted)
}

// Orchestrator runs reload cycles.
type Orchestrator struct {
	changes     *watch.ChangeSet
	library     *function.Library
	compiler    function.Compiler
	scheduler   mainloop.Scheduler
	sink        notify.Sink
	logger      *slog.Logger
	concurrency int
	metrics     Recorder
	tracer      *tracing.ReloadTracer

	auto atomic.Bool
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Changes == nil:
		return nil, errors.New("reload: change set is required")
	case opts.Library == nil:
		return nil, errors.New("reload: library is required")
	case opts.Compiler == nil:
		return nil, errors.New("reload: compiler is required")
	case opts.Scheduler == nil:
		return nil, errors.New("reload: scheduler is required")
	}

	o := &Orchestrator{
		changes:     opts.Changes,
		library:     opts.Library,
		compiler:    opts.Compiler,
		scheduler:   opts.Scheduler,
		sink:        opts.Sink,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
	if o.sink == nil {
		o.sink = notify.Discard
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.concurrency <= 0 {
		o.concurrency = runtime.GOMAXPROCS(0)
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}
	if o.tracer == nil {
		o.tracer = tracing.NewReloadTracer(nil)
	}
	return o, nil
}

// SetAutoReload switches automatic reloading on accepted watch events.
func (o *Orchestrator) SetAutoReload(enabled bool) {
	o.auto.Store(enabled)
}

// AutoReload reports whether automatic reloading is on.
func (o *Orchestrator) AutoReload() bool {
	return o.auto.Load()
}

// HandleEvent is the watch registry callback. With auto-reload on, every
// accepted event starts its own cycle.
func (o *Orchestrator) HandleEvent(ev watch.Event) {
	if !o.AutoReload() {
		return
	}
	o.logger.Debug("auto reload", "session", ev.Session, "path", ev.Path, "kind", ev.Kind.String())
	o.Trigger(context.Background())
}

// Trigger starts a reload cycle. The pending changes are snapshotted and
// cleared before Trigger returns; compiling and applying happen later. The
// returned channel yields exactly one Report and is then closed.
func (o *Orchestrator) Trigger(ctx context.Context) <-chan Report {
	out := make(chan Report, 1)
	batch := o.changes.Drain()
	id := uuid.NewString()

	if batch.Empty() {
		o.logger.Debug("reload requested with no pending changes", "batch", id)
		out <- Report{Batch: id, Generation: o.library.Generation()}
		close(out)
		return out
	}

	o.logger.Info("reload started", "batch", id,
		"created", len(batch.Created), "modified", len(batch.Modified), "deleted", len(batch.Deleted))
	go o.run(ctx, id, batch, out)
	return out
}

type result struct {
	change watch.Change
	state  watch.State
	id     function.ID
	fn     *function.Function
	err    error
}

func (o *Orchestrator) run(ctx context.Context, id string, batch watch.Batch, out chan<- Report) {
	defer close(out)
	start := time.Now()

	ctx, span := o.tracer.StartBatch(ctx, id, len(batch.Created), len(batch.Modified), len(batch.Deleted))
	defer span.End()

	results, err := o.compile(ctx, batch)
	var apply func() Report
	if err != nil {
		o.tracer.RecordError(span, err)
		apply = func() Report { return o.fail(id, start, err) }
	} else {
		deleted := o.resolveDeleted(batch.Deleted)
		apply = func() Report { return o.apply(ctx, id, start, results, deleted) }
	}

	done := make(chan Report, 1)
	o.scheduler.Schedule(func() { done <- apply() })

	select {
	case rep := <-done:
		if rep.Err == nil {
			o.tracer.SetSuccess(span)
		}
		out <- rep
	case <-o.scheduler.Done():
		select {
		case rep := <-done:
			out <- rep
		default:
			o.logger.Warn("main loop stopped before reload could be applied", "batch", id)
			out <- Report{Batch: id, Err: mainloop.ErrStopped, Generation: o.library.Generation()}
		}
	}
}

// compile builds every created and modified script. Failures of single files,
// panics included, are kept in their result; the returned error is reserved
// for the batch as a whole, such as a cancelled context.
func (o *Orchestrator) compile(ctx context.Context, batch watch.Batch) ([]result, error) {
	results := make([]result, 0, len(batch.Created)+len(batch.Modified))
	for _, ch := range batch.Created {
		results = append(results, result{change: ch, state: watch.Created})
	}
	for _, ch := range batch.Modified {
		results = append(results, result{change: ch, state: watch.Modified})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o.compileOne(gctx, r)
			if r.err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// compileOne fills in r. A panicking compiler fails only this file.
func (o *Orchestrator) compileOne(ctx context.Context, r *result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.fn = nil
			r.err = fmt.Errorf("%w: %v", ErrCompilePanic, p)
			o.logger.Error("compiler panicked", "path", r.change.Path, "panic", p)
			o.metrics.ObserveCompile("error", time.Since(start))
		}
	}()

	id, err := function.Resolve(r.change.Path, r.change.Root)
	if err != nil {
		r.err = err
		o.metrics.ObserveCompile("error", time.Since(start))
		return
	}
	r.id = id

	ctx, span := o.tracer.StartCompile(ctx, id.String(), r.change.Path)
	defer span.End()

	lines, err := function.ReadSource(r.change.Path)
	if err == nil {
		r.fn, err = o.compiler.Compile(ctx, id, lines)
	}
	if err != nil {
		r.err = err
		o.tracer.RecordError(span, err)
		o.metrics.ObserveCompile("error", time.Since(start))
		return
	}
	o.tracer.SetSuccess(span)
	o.metrics.ObserveCompile("ok", time.Since(start))
}

func (o *Orchestrator) resolveDeleted(changes []watch.Change) []function.ID {
	ids := make([]function.ID, 0, len(changes))
	for _, ch := range changes {
		id, err := function.Resolve(ch.Path, ch.Root)
		if err != nil {
			o.logger.Warn("skipping deleted file", "path", ch.Path, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// apply runs on the main loop.
func (o *Orchestrator) apply(ctx context.Context, batch string, start time.Time, results []result, deleted []function.ID) Report {
	_, span := o.tracer.StartPublish(ctx)
	defer span.End()

	rep := Report{Batch: batch, Deleted: deleted}
	for _, r := range results {
		if r.err != nil {
			o.reportFailure(r)
			rep.Failures = append(rep.Failures, Failure{Path: r.change.Path, ID: r.id, State: r.state, Err: r.err})
			continue
		}
		if r.state == watch.Created {
			rep.Created = append(rep.Created, r.id)
		} else {
			rep.Modified = append(rep.Modified, r.id)
		}
	}

	next := o.library.Active().Edit(func(b *function.TableBuilder) {
		for _, r := range results {
			if r.err == nil {
				b.Put(r.fn)
			}
		}
		for _, id := range deleted {
			b.Remove(id)
		}
	})
	o.library.Publish(next)
	rep.Generation = o.library.Generation()
	o.tracer.SetSuccess(span)

	for _, id := range rep.Created {
		o.sink.Broadcast(notify.Colored("reload", notify.ColorCreated, "+ %s", id))
	}
	for _, id := range rep.Modified {
		o.sink.Broadcast(notify.Colored("reload", notify.ColorModified, "• %s", id))
	}
	for _, id := range rep.Deleted {
		o.sink.Broadcast(notify.Colored("reload", notify.ColorDeleted, "- %s", id))
	}

	elapsed := time.Since(start)
	o.metrics.ObserveBatch("success", elapsed, len(rep.Created), len(rep.Modified), len(rep.Deleted))
	o.metrics.ObserveTableSize(next.Len())
	o.logger.Info("reload applied", "batch", batch,
		"created", len(rep.Created), "modified", len(rep.Modified), "deleted", len(rep.Deleted),
		"failed", len(rep.Failures), "functions", next.Len(), "generation", rep.Generation,
		"duration", elapsed)
	return rep
}

func (o *Orchestrator) reportFailure(r result) {
	verb := "modify"
	if r.state == watch.Created {
		verb = "create"
	}
	name := r.change.Path
	if !r.id.IsZero() {
		name = r.id.String()
	}
	o.logger.Error("function reload failed", "op", verb, "function", name, "path", r.change.Path, "error", r.err)
	o.sink.Broadcast(notify.Error("reload", "%s failed: %s", verb, name))
}

// fail runs on the main loop after a batch-level fault. The table is left
// untouched.
func (o *Orchestrator) fail(batch string, start time.Time, err error) Report {
	o.logger.Error("reload failed", "batch", batch, "error", err)
	o.sink.Broadcast(notify.Error("reload", "reload failed: %v", err))
	o.metrics.ObserveBatch("failure", time.Since(start), 0, 0, 0)
	return Report{Batch: batch, Err: err, Generation: o.library.Generation()}
}

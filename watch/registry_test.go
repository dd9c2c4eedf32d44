package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/funcwatch/mainloop"
	"github.com/GoCodeAlone/funcwatch/notify"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) find(path string, kind Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Path == path && ev.Kind == kind {
			return true
		}
	}
	return false
}

type messageLog struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (l *messageLog) Broadcast(msg notify.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func startLoop(t *testing.T) *mainloop.Loop {
	t.Helper()
	loop := mainloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newPack(t *testing.T) (root, fnDir string) {
	t.Helper()
	root = t.TempDir()
	fnDir = filepath.Join(root, "data", "ns", "function")
	if err := os.MkdirAll(fnDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return root, fnDir
}

func TestRegistry_StartResults(t *testing.T) {
	loop := startLoop(t)
	reg := NewRegistry(loop)
	defer reg.StopAll()

	root, _ := newPack(t)

	res, err := reg.Start("pack", root, nil)
	if err != nil || res != Started {
		t.Fatalf("expected Started, got %s (%v)", res, err)
	}
	res, err = reg.Start("pack", root, nil)
	if err != nil || res != AlreadyActive {
		t.Fatalf("expected AlreadyActive, got %s (%v)", res, err)
	}
	res, err = reg.Start("missing", filepath.Join(root, "nope"), nil)
	if err != nil || res != RootMissing {
		t.Fatalf("expected RootMissing, got %s (%v)", res, err)
	}

	file := filepath.Join(root, "pack.mcmeta")
	if err := os.WriteFile(file, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res, _ := reg.Start("file", file, nil); res != RootMissing {
		t.Fatalf("expected RootMissing for a regular file, got %s", res)
	}

	if got := reg.Active(); len(got) != 1 || got[0] != "pack" {
		t.Fatalf("expected only pack active, got %v", got)
	}
}

func TestRegistry_EventsRecordedAndDeliveredOnLoop(t *testing.T) {
	loop := startLoop(t)
	cs := NewChangeSet()
	reg := NewRegistry(loop, WithChangeSet(cs))
	defer reg.StopAll()

	root, fnDir := newPack(t)
	events := &eventLog{}
	if res, err := reg.Start("pack", root, events.add); res != Started {
		t.Fatalf("start: %s %v", res, err)
	}

	script := filepath.Join(fnDir, "hello.mcfunction")
	if err := os.WriteFile(script, []byte("say hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ignored := filepath.Join(fnDir, "notes.txt")
	if err := os.WriteFile(ignored, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "create event", func() bool { return events.find(script, Create) })

	p, ok := cs.Get(script)
	if !ok || p.State != Created {
		t.Fatalf("expected Created pending entry, got %+v (ok=%v)", p, ok)
	}
	if _, ok := cs.Get(ignored); ok {
		t.Error("non-script file should be filtered")
	}
}

func TestRegistry_NewSubdirectoryIsWatched(t *testing.T) {
	loop := startLoop(t)
	cs := NewChangeSet()
	reg := NewRegistry(loop, WithChangeSet(cs))
	defer reg.StopAll()

	root, fnDir := newPack(t)
	events := &eventLog{}
	if res, err := reg.Start("pack", root, events.add); res != Started {
		t.Fatalf("start: %s %v", res, err)
	}

	sub := filepath.Join(fnDir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(sub, "deep.mcfunction")
	if err := os.WriteFile(script, []byte("say deep\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "nested event", func() bool { _, ok := cs.Get(script); return ok })
}

func TestRegistry_StopIsQuiet(t *testing.T) {
	loop := startLoop(t)
	msgs := &messageLog{}
	reg := NewRegistry(loop, WithSink(msgs))

	root, _ := newPack(t)
	if res, _ := reg.Start("pack", root, nil); res != Started {
		t.Fatalf("expected Started, got %s", res)
	}
	s, ok := reg.Session("pack")
	if !ok {
		t.Fatal("expected session")
	}

	if !reg.Stop("pack") {
		t.Fatal("expected Stop to report an existing session")
	}
	if reg.Stop("pack") {
		t.Fatal("second Stop should report false")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("session should be done after Stop returns")
	}
	if s.Err() != nil {
		t.Errorf("normal stop should not record an error, got %v", s.Err())
	}

	// Flush anything the session scheduled while finishing.
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	msgs.mu.Lock()
	sent := len(msgs.msgs)
	msgs.mu.Unlock()
	if sent != 0 {
		t.Errorf("a requested stop should not be announced by the registry, got %d messages", sent)
	}
	if len(reg.Active()) != 0 {
		t.Fatalf("expected no active sessions, got %v", reg.Active())
	}

	if res, _ := reg.Start("pack", root, nil); res != Started {
		t.Fatalf("restart after stop should succeed, got %s", res)
	}
	reg.StopAll()
}

func TestRegistry_FailureRemovesSession(t *testing.T) {
	loop := startLoop(t)
	msgs := &messageLog{}
	reg := NewRegistry(loop, WithSink(msgs))

	root, _ := newPack(t)
	if res, _ := reg.Start("pack", root, nil); res != Started {
		t.Fatalf("expected Started, got %s", res)
	}
	s, _ := reg.Session("pack")

	// Closing the primitive underneath the session ends its streams.
	_ = s.fsw.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
	if s.Err() == nil {
		t.Fatal("expected a termination error")
	}
	if _, ok := reg.Session("pack"); ok {
		t.Fatal("failed session should remove itself")
	}
	waitFor(t, "failure notification", func() bool {
		msgs.mu.Lock()
		defer msgs.mu.Unlock()
		for _, m := range msgs.msgs {
			if strings.HasPrefix(m.Text, "[watch:pack] watcher stopped: ") && m.Level == notify.LevelError {
				return true
			}
		}
		return false
	})
}

type countingObserver struct {
	mu       sync.Mutex
	events   int
	sessions []int
}

func (o *countingObserver) ObserveEvent(string, Kind) {
	o.mu.Lock()
	o.events++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveSessions(n int) {
	o.mu.Lock()
	o.sessions = append(o.sessions, n)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveWatchError(string) {}

func TestRegistry_Observer(t *testing.T) {
	loop := startLoop(t)
	obs := &countingObserver{}
	reg := NewRegistry(loop, WithObserver(obs))

	root, fnDir := newPack(t)
	if res, _ := reg.Start("pack", root, nil); res != Started {
		t.Fatalf("expected Started, got %s", res)
	}
	if err := os.WriteFile(filepath.Join(fnDir, "a.mcfunction"), []byte("say a"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "observed event", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.events > 0
	})
	reg.Stop("pack")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.sessions) < 2 || obs.sessions[0] != 1 || obs.sessions[len(obs.sessions)-1] != 0 {
		t.Errorf("unexpected session gauge updates %v", obs.sessions)
	}
}

func TestStartResult_String(t *testing.T) {
	for res, want := range map[StartResult]string{
		Started:       "started",
		AlreadyActive: "already_active",
		RootMissing:   "root_missing",
		StartFailed:   "failed",
	} {
		if res.String() != want {
			t.Errorf("%d: got %q want %q", res, res.String(), want)
		}
	}
}

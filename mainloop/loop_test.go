package mainloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_PreservesOrder(t *testing.T) {
	l := New(nil)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Schedule(func() { got = append(got, i) })
	}
	done := make(chan struct{})
	l.Schedule(func() { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order: %v", i, got)
		}
	}
}

func TestLoop_SingleGoroutine(t *testing.T) {
	l := startLoop(t)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = l.Call(context.Background(), func() {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("expected at most one task at a time, saw %d", maxActive.Load())
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	l.Schedule(func() { panic("boom") })

	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatal("expected task after panic to run")
	}
}

func TestLoop_RunTwice(t *testing.T) {
	l := startLoop(t)
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("expected error running an already running loop")
	}
}

func TestLoop_StopDropsLaterTasks(t *testing.T) {
	l := New(nil)
	go func() { _ = l.Run(context.Background()) }()
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	l.Stop()
	<-l.Done()

	l.Schedule(func() { t.Error("task ran after stop") })
	if l.Pending() != 0 {
		t.Errorf("expected no pending tasks, got %d", l.Pending())
	}
	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestLoop_StopBeforeRun(t *testing.T) {
	l := New(nil)
	l.Schedule(func() { t.Error("queued task ran after stop") })
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done should be closed when a loop is stopped before Run")
	}
	if l.Pending() != 0 {
		t.Errorf("expected queued tasks dropped, got %d", l.Pending())
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped from Run, got %v", err)
	}
	l.Stop()
}

func TestLoop_CallContextCancelled(t *testing.T) {
	l := New(nil) // never started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Call(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

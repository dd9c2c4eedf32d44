package watch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from State
		kind Kind
		want State
	}{
		{Absent, Create, Created},
		{Absent, Modify, Modified},
		{Absent, Delete, Deleted},
		{Created, Create, Created},
		{Created, Modify, Created},
		{Created, Delete, Absent},
		{Modified, Create, Modified},
		{Modified, Modify, Modified},
		{Modified, Delete, Deleted},
		{Deleted, Create, Modified},
		{Deleted, Modify, Modified},
		{Deleted, Delete, Deleted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.from, tt.kind), func(t *testing.T) {
			if got := Transition(tt.from, tt.kind); got != tt.want {
				t.Errorf("Transition(%s, %s) = %s, want %s", tt.from, tt.kind, got, tt.want)
			}
		})
	}
}

func TestTransition_UnknownKind(t *testing.T) {
	if got := Transition(Modified, Kind(0)); got != Modified {
		t.Errorf("unknown kind should leave state alone, got %s", got)
	}
}

func TestChangeSet_CreateThenDeleteLeavesNoEntry(t *testing.T) {
	cs := NewChangeSet()
	cs.Record("/p/a.mcfunction", Create, "/p")
	cs.Record("/p/a.mcfunction", Modify, "/p")
	if got := cs.Record("/p/a.mcfunction", Delete, "/p"); got != Absent {
		t.Fatalf("expected Absent, got %s", got)
	}
	if _, ok := cs.Get("/p/a.mcfunction"); ok {
		t.Fatal("expected no entry after create+delete")
	}
	if cs.Len() != 0 {
		t.Fatalf("expected empty set, got %d", cs.Len())
	}
}

func TestChangeSet_DeleteThenCreateIsModified(t *testing.T) {
	cs := NewChangeSet()
	cs.Record("/p/a.mcfunction", Delete, "/p")
	cs.Record("/p/a.mcfunction", Create, "/p")

	p, ok := cs.Get("/p/a.mcfunction")
	if !ok || p.State != Modified {
		t.Fatalf("expected Modified, got %+v (ok=%v)", p, ok)
	}
	if p.Root != "/p" {
		t.Errorf("expected root /p, got %q", p.Root)
	}
}

func TestChangeSet_DrainPartitionsAndClears(t *testing.T) {
	cs := NewChangeSet()
	cs.Record("/p/c.mcfunction", Create, "/p")
	cs.Record("/p/b.mcfunction", Create, "/p")
	cs.Record("/p/m.mcfunction", Modify, "/p")
	cs.Record("/p/d.mcfunction", Delete, "/p")

	b := cs.Drain()
	if len(b.Created) != 2 || len(b.Modified) != 1 || len(b.Deleted) != 1 {
		t.Fatalf("unexpected batch %+v", b)
	}
	if b.Created[0].Path != "/p/b.mcfunction" || b.Created[1].Path != "/p/c.mcfunction" {
		t.Errorf("created not sorted: %+v", b.Created)
	}
	if b.Len() != 4 {
		t.Errorf("expected Len 4, got %d", b.Len())
	}
	if cs.Len() != 0 {
		t.Errorf("expected set cleared, got %d entries", cs.Len())
	}
	if !cs.Drain().Empty() {
		t.Error("second drain should be empty")
	}
}

func TestChangeSet_ConcurrentRecordSamePath(t *testing.T) {
	cs := NewChangeSet()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cs.Record("/p/a.mcfunction", Modify, "/p")
			}
		}()
	}
	wg.Wait()

	p, ok := cs.Get("/p/a.mcfunction")
	if !ok || p.State != Modified {
		t.Fatalf("expected Modified, got %+v", p)
	}
	if cs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", cs.Len())
	}
}

func TestChangeSet_DrainRaceLosesNothing(t *testing.T) {
	cs := NewChangeSet()
	const writers, perWriter = 8, 500

	var seen sync.Map
	var total atomic.Int64
	stop := make(chan struct{})
	drained := make(chan struct{})

	collect := func(b Batch) {
		for _, c := range b.Modified {
			if _, dup := seen.LoadOrStore(c.Path, true); !dup {
				total.Add(1)
			}
		}
	}

	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				collect(cs.Drain())
				return
			default:
				collect(cs.Drain())
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				cs.Record(fmt.Sprintf("/p/w%d/f%d.mcfunction", w, i), Modify, "/p")
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-drained

	if got := total.Load(); got != writers*perWriter {
		t.Fatalf("expected %d distinct paths drained, got %d", writers*perWriter, got)
	}
}

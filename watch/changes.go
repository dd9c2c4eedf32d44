package watch

import (
	"sort"
	"sync"
)

// State is the net classification of a pending path.
type State uint8

const (
	Absent State = iota
	Created
	Modified
	Deleted
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// transitions[current][kind] is the next state.
var transitions = [4][4]State{
	Absent:   {Create: Created, Modify: Modified, Delete: Deleted},
	Created:  {Create: Created, Modify: Created, Delete: Absent},
	Modified: {Create: Modified, Modify: Modified, Delete: Deleted},
	Deleted:  {Create: Modified, Modify: Modified, Delete: Deleted},
}

// Transition returns the state after applying kind to current. A file created
// and deleted before a reload never existed; a file deleted and recreated is
// an edit.
func Transition(current State, kind Kind) State {
	if current > Deleted || kind < Create || kind > Delete {
		return current
	}
	return transitions[current][kind]
}

// Pending is the coalesced change recorded for one path.
type Pending struct {
	State State
	Root  string
}

// Change is one path of a drained batch.
type Change struct {
	Path string
	Root string
}

// Batch is the result of draining a ChangeSet.
type Batch struct {
	Created  []Change
	Modified []Change
	Deleted  []Change
}

// Len returns the number of changes in the batch.
func (b Batch) Len() int {
	return len(b.Created) + len(b.Modified) + len(b.Deleted)
}

// Empty reports whether the batch holds no changes.
func (b Batch) Empty() bool {
	return b.Len() == 0
}

// casMap is the compare-and-swap map the ChangeSet is built on.
// *sync.Map satisfies it.
type casMap interface {
	Load(key any) (any, bool)
	LoadOrStore(key, value any) (any, bool)
	CompareAndSwap(key, old, new any) bool
	CompareAndDelete(key, old any) bool
	LoadAndDelete(key any) (any, bool)
	Range(f func(key, value any) bool)
}

// ChangeSet coalesces raw events per path. It is safe for concurrent use by
// any number of writers and a draining reader.
type ChangeSet struct {
	entries casMap
}

// NewChangeSet creates an empty ChangeSet.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{entries: &sync.Map{}}
}

// Record merges an event for path into the set and returns the resulting
// state. The merge is applied atomically per path with a compare-and-swap
// retry loop.
func (c *ChangeSet) Record(path string, kind Kind, root string) State {
	for {
		cur, loaded := c.entries.Load(path)
		if !loaded {
			next := Transition(Absent, kind)
			if next == Absent {
				return Absent
			}
			if _, loaded := c.entries.LoadOrStore(path, &Pending{State: next, Root: root}); !loaded {
				return next
			}
			continue
		}

		old := cur.(*Pending)
		next := Transition(old.State, kind)
		if next == Absent {
			if c.entries.CompareAndDelete(path, old) {
				return Absent
			}
			continue
		}
		if c.entries.CompareAndSwap(path, old, &Pending{State: next, Root: root}) {
			return next
		}
	}
}

// Get returns the pending change for path.
func (c *ChangeSet) Get(path string) (Pending, bool) {
	v, ok := c.entries.Load(path)
	if !ok {
		return Pending{}, false
	}
	return *v.(*Pending), true
}

// Len returns the number of pending paths.
func (c *ChangeSet) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Drain removes every pending change and returns them partitioned by state,
// each list sorted by path. Entries are taken with LoadAndDelete one by one,
// so an event recorded concurrently ends up either in this batch or in the
// set for the next drain, never lost.
func (c *ChangeSet) Drain() Batch {
	var b Batch
	c.entries.Range(func(key, _ any) bool {
		v, ok := c.entries.LoadAndDelete(key)
		if !ok {
			return true
		}
		p := v.(*Pending)
		ch := Change{Path: key.(string), Root: p.Root}
		switch p.State {
		case Created:
			b.Created = append(b.Created, ch)
		case Modified:
			b.Modified = append(b.Modified, ch)
		case Deleted:
			b.Deleted = append(b.Deleted, ch)
		}
		return true
	})
	sortChanges(b.Created)
	sortChanges(b.Modified)
	sortChanges(b.Deleted)
	return b
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })
}

package function

import (
	"sort"
	"sync/atomic"
)

// Table is an immutable mapping from identifier to compiled function. Once
// published a Table is never modified; changes produce a new Table.
type Table struct {
	functions map[ID]*Function
}

// NewTable creates a Table holding a copy of functions.
func NewTable(functions map[ID]*Function) *Table {
	m := make(map[ID]*Function, len(functions))
	for id, fn := range functions {
		m[id] = fn
	}
	return &Table{functions: m}
}

// EmptyTable returns a Table with no functions.
func EmptyTable() *Table {
	return &Table{functions: map[ID]*Function{}}
}

// Get returns the function registered under id.
func (t *Table) Get(id ID) (*Function, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := t.functions[id]
	return fn, ok
}

// Len returns the number of functions.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.functions)
}

// IDs returns all identifiers in sorted order.
func (t *Table) IDs() []ID {
	if t == nil {
		return nil
	}
	ids := make([]ID, 0, len(t.functions))
	for id := range t.functions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Edit copies the table, lets fn apply changes to the copy and returns it.
// The receiver is left untouched.
func (t *Table) Edit(fn func(b *TableBuilder)) *Table {
	b := &TableBuilder{functions: make(map[ID]*Function, t.Len())}
	if t != nil {
		for id, f := range t.functions {
			b.functions[id] = f
		}
	}
	fn(b)
	return &Table{functions: b.functions}
}

// TableBuilder is the mutable view handed out by Table.Edit.
type TableBuilder struct {
	functions map[ID]*Function
}

// Put inserts or overwrites a function.
func (b *TableBuilder) Put(fn *Function) {
	b.functions[fn.ID] = fn
}

// Remove deletes id and reports whether it was present.
func (b *TableBuilder) Remove(id ID) bool {
	_, ok := b.functions[id]
	delete(b.functions, id)
	return ok
}

// Library holds the single active Table. Readers call Active or Lookup from
// any goroutine without locking; Publish is reserved for the host's main loop.
type Library struct {
	active     atomic.Pointer[Table]
	generation atomic.Uint64
}

// NewLibrary creates a Library whose active table is initial.
func NewLibrary(initial *Table) *Library {
	if initial == nil {
		initial = EmptyTable()
	}
	l := &Library{}
	l.active.Store(initial)
	return l
}

// Active returns the currently published table.
func (l *Library) Active() *Table {
	return l.active.Load()
}

// Lookup resolves id against the active table.
func (l *Library) Lookup(id ID) (*Function, bool) {
	return l.Active().Get(id)
}

// Publish makes t the active table and returns the previous one. It must only
// be called from the host's main loop.
func (l *Library) Publish(t *Table) *Table {
	if t == nil {
		t = EmptyTable()
	}
	prev := l.active.Swap(t)
	l.generation.Add(1)
	return prev
}

// Generation counts publishes since creation.
func (l *Library) Generation() uint64 {
	return l.generation.Load()
}

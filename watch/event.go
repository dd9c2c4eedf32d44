package watch

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Kind is the type of a raw filesystem notification.
type Kind uint8

const (
	Create Kind = iota + 1
	Modify
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is an accepted change to a function script.
type Event struct {
	Path    string
	Kind    Kind
	Root    string
	Session string
}

// kindOf maps an fsnotify operation to a Kind. Chmod-only events are ignored.
func kindOf(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Delete, true
	case op.Has(fsnotify.Create):
		return Create, true
	case op.Has(fsnotify.Write):
		return Modify, true
	default:
		return 0, false
	}
}

// Filter decides whether a path is reported.
type Filter func(path string) bool

// ExtensionFilter accepts files whose extension matches one of exts,
// ignoring case. Extensions may be given with or without the leading dot.
func ExtensionFilter(exts ...string) Filter {
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return func(path string) bool {
		return allowed[strings.ToLower(filepath.Ext(path))]
	}
}

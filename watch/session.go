package watch

import (
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Session is one running watch over a datapack root.
type Session struct {
	id   string
	root string
	fsw  *fsnotify.Watcher

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func newSession(id, root string, fsw *fsnotify.Watcher) *Session {
	return &Session{
		id:   id,
		root: root,
		fsw:  fsw,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// ID returns the datapack id.
func (s *Session) ID() string { return s.id }

// Root returns the absolute datapack root.
func (s *Session) Root() string { return s.root }

// Done is closed when the session has stopped, for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended; nil after a normal stop or while it is
// still running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// addTree watches dir and every directory below it. fsnotify is not
// recursive, so each directory is added individually. It returns the regular
// files found while walking.
func (s *Session) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, path)
			return nil
		}
		return s.fsw.Add(path)
	})
	return files, err
}

package function

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Extension is the file extension of function scripts.
const Extension = ".mcfunction"

// DefaultNamespace is used by ParseID when the input has no namespace.
const DefaultNamespace = "minecraft"

var (
	// ErrOutsideRoot is returned when a script path is not contained in the
	// datapack root it is resolved against.
	ErrOutsideRoot = errors.New("path is outside the datapack root")
	// ErrNotFunctionPath is returned when a path under the datapack root does
	// not follow the data/<namespace>/function/<path> layout.
	ErrNotFunctionPath = errors.New("path is not a function script")
)

// collectionDirs are the directory names that hold function scripts below a
// namespace. "functions" is the pre-1.21 spelling.
var collectionDirs = map[string]bool{
	"function":  true,
	"functions": true,
}

// ID is a namespaced resource identifier such as "ns:path/to/fn".
type ID struct {
	Namespace string
	Path      string
}

// String renders the identifier as namespace:path.
func (id ID) String() string {
	return id.Namespace + ":" + id.Path
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Namespace == "" && id.Path == ""
}

// Valid reports whether both parts only use the resource location alphabet.
func (id ID) Valid() bool {
	if id.Namespace == "" || id.Path == "" {
		return false
	}
	for _, r := range id.Namespace {
		if !validNamespaceRune(r) {
			return false
		}
	}
	for _, r := range id.Path {
		if r != '/' && !validNamespaceRune(r) {
			return false
		}
	}
	return true
}

func validNamespaceRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

// MarshalText implements encoding.TextMarshaler so IDs render as strings in JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses "namespace:path". A missing namespace defaults to
// DefaultNamespace.
func ParseID(s string) (ID, error) {
	ns, path, found := strings.Cut(s, ":")
	if !found {
		ns, path = DefaultNamespace, s
	}
	id := ID{Namespace: ns, Path: path}
	if !id.Valid() {
		return ID{}, fmt.Errorf("invalid resource identifier %q", s)
	}
	return id, nil
}

// IsScript reports whether path names a function script.
func IsScript(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Resolve maps a script path to its identifier relative to the datapack root:
// <root>/data/<namespace>/function/<path>.mcfunction becomes namespace:path.
// Resolve does no I/O, so it also works for files that no longer exist.
func Resolve(filePath, packRoot string) (ID, error) {
	file, err := filepath.Abs(filePath)
	if err != nil {
		return ID{}, fmt.Errorf("resolve %s: %w", filePath, err)
	}
	root, err := filepath.Abs(packRoot)
	if err != nil {
		return ID{}, fmt.Errorf("resolve %s: %w", packRoot, err)
	}

	rel, err := filepath.Rel(root, file)
	if err != nil {
		return ID{}, fmt.Errorf("resolve %s: %w", filePath, ErrOutsideRoot)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ID{}, fmt.Errorf("resolve %s against %s: %w", filePath, packRoot, ErrOutsideRoot)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 || parts[0] != "data" || !collectionDirs[parts[2]] {
		return ID{}, fmt.Errorf("resolve %s: %w", filePath, ErrNotFunctionPath)
	}

	path := strings.Join(parts[3:], "/")
	if ext := filepath.Ext(path); strings.EqualFold(ext, Extension) {
		path = path[:len(path)-len(ext)]
	}
	if parts[1] == "" || path == "" {
		return ID{}, fmt.Errorf("resolve %s: %w", filePath, ErrNotFunctionPath)
	}
	return ID{Namespace: parts[1], Path: path}, nil
}

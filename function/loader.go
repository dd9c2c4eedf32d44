package function

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ReadSource reads a script file and splits it into lines.
func ReadSource(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read function %s: %w", path, err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// LoadFile reads, resolves and compiles one script under packRoot.
func LoadFile(ctx context.Context, compiler Compiler, path, packRoot string) (*Function, error) {
	id, err := Resolve(path, packRoot)
	if err != nil {
		return nil, err
	}
	lines, err := ReadSource(path)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(ctx, id, lines)
}

// LoadDatapacks compiles every script of every datapack directory below dir
// and returns the resulting table. Scripts that fail to load are skipped and
// reported in the returned error slice.
func LoadDatapacks(ctx context.Context, dir string, compiler Compiler, logger *slog.Logger) (*Table, []error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return EmptyTable(), []error{fmt.Errorf("failed to read datapacks directory %s: %w", dir, err)}
	}

	functions := make(map[ID]*Function)
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		packRoot := filepath.Join(dir, entry.Name())
		dataDir := filepath.Join(packRoot, "data")
		if _, err := os.Stat(dataDir); err != nil {
			continue
		}

		walkErr := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || !IsScript(path) {
				return nil
			}
			fn, err := LoadFile(ctx, compiler, path, packRoot)
			if err != nil {
				logger.Warn("failed to load function", "datapack", entry.Name(), "path", path, "error", err)
				errs = append(errs, err)
				return nil
			}
			functions[fn.ID] = fn
			return nil
		})
		if walkErr != nil {
			errs = append(errs, walkErr)
			break
		}
	}

	logger.Info("loaded functions", "dir", dir, "count", len(functions), "errors", len(errs))
	return NewTable(functions), errs
}

package function

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("unknown or incomplete command")
	ErrInvalidMacro   = errors.New("macro line has no variables")
	ErrContinuation   = errors.New("line continuation at end of file")
	ErrLeadingSlash   = errors.New("unknown or invalid command (use '#' for comments, not '//')")
)

var macroVariable = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// Compiler turns script source into an executable Function.
type Compiler interface {
	Compile(ctx context.Context, id ID, lines []string) (*Function, error)
}

// CompileError reports a script that could not be compiled.
type CompileError struct {
	ID   ID
	Line int
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.ID, e.Line, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// CommandSet is the set of root command literals the host dispatcher accepts.
// An empty set accepts any command.
type CommandSet map[string]struct{}

// NewCommandSet builds a CommandSet from command names.
func NewCommandSet(names ...string) CommandSet {
	set := make(CommandSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether name is a known command.
func (s CommandSet) Has(name string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[name]
	return ok
}

// Names returns the sorted command names.
func (s CommandSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CommandCompiler compiles scripts line by line against a CommandSet.
type CommandCompiler struct {
	commands CommandSet
}

// NewCommandCompiler creates a compiler that validates root commands
// against commands.
func NewCommandCompiler(commands CommandSet) *CommandCompiler {
	return &CommandCompiler{commands: commands}
}

// Compile implements Compiler.
func (c *CommandCompiler) Compile(ctx context.Context, id ID, lines []string) (*Function, error) {
	fn := &Function{ID: id, SourceLines: len(lines)}

	for i := 0; i < len(lines); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		start := i + 1
		line := strings.TrimSpace(lines[i])
		for strings.HasSuffix(line, `\`) {
			if i+1 >= len(lines) {
				return nil, &CompileError{ID: id, Line: start, Err: ErrContinuation}
			}
			i++
			line = strings.TrimSuffix(line, `\`) + strings.TrimSpace(lines[i])
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := c.parseLine(line)
		if err != nil {
			return nil, &CompileError{ID: id, Line: start, Err: err}
		}
		entry.Line = start
		fn.Entries = append(fn.Entries, entry)
	}
	return fn, nil
}

func (c *CommandCompiler) parseLine(line string) (Entry, error) {
	kind := EntryCommand
	var vars []string

	if strings.HasPrefix(line, "$") {
		kind = EntryMacro
		line = strings.TrimSpace(line[1:])
		for _, m := range macroVariable.FindAllStringSubmatch(line, -1) {
			vars = append(vars, m[1])
		}
		if len(vars) == 0 {
			return Entry{}, ErrInvalidMacro
		}
	}
	if strings.HasPrefix(line, "/") {
		return Entry{}, ErrLeadingSlash
	}

	name, _, _ := strings.Cut(line, " ")
	// Macro lines may substitute the command itself; only literal names are checked.
	if !(kind == EntryMacro && strings.Contains(name, "$(")) && !c.commands.Has(name) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	return Entry{Kind: kind, Text: line, Name: name, Variables: vars}, nil
}

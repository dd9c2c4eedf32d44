// Package function holds the compiled function model, the resolver that maps
// script files to resource identifiers, and the live function table.
package function

// EntryKind distinguishes plain commands from macro lines.
type EntryKind string

const (
	EntryCommand EntryKind = "command"
	EntryMacro   EntryKind = "macro"
)

// Entry is one executable line of a compiled function.
type Entry struct {
	// Line is the 1-based source line the entry starts on.
	Line int       `json:"line"`
	Kind EntryKind `json:"kind"`
	// Text is the command text with continuations joined and the macro
	// marker removed.
	Text string `json:"text"`
	// Name is the root command literal.
	Name      string   `json:"name"`
	Variables []string `json:"variables,omitempty"`
}

// Function is a compiled function script.
type Function struct {
	ID          ID      `json:"id"`
	Entries     []Entry `json:"entries"`
	SourceLines int     `json:"source_lines"`
}

// IsMacro reports whether the function needs arguments to run.
func (f *Function) IsMacro() bool {
	for _, e := range f.Entries {
		if e.Kind == EntryMacro {
			return true
		}
	}
	return false
}

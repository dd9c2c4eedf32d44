package function

import (
	"context"
	"errors"
	"testing"
)

var testID = ID{Namespace: "ns", Path: "a"}

func TestCommandCompiler_Compile(t *testing.T) {
	c := NewCommandCompiler(NewCommandSet("say", "function", "scoreboard"))

	fn, err := c.Compile(context.Background(), testID, []string{
		"# header comment",
		"",
		"say hello",
		"  scoreboard players add @s x \\",
		"    1",
		"$say $(greeting) world",
		"function ns:b",
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if fn.ID != testID {
		t.Errorf("ID = %v", fn.ID)
	}
	if fn.SourceLines != 7 {
		t.Errorf("SourceLines = %d, want 7", fn.SourceLines)
	}
	if len(fn.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(fn.Entries), fn.Entries)
	}

	if e := fn.Entries[0]; e.Line != 3 || e.Name != "say" || e.Kind != EntryCommand {
		t.Errorf("entry 0 = %+v", e)
	}
	if e := fn.Entries[1]; e.Line != 4 || e.Text != "scoreboard players add @s x 1" {
		t.Errorf("continuation entry = %+v", e)
	}
	macro := fn.Entries[2]
	if macro.Kind != EntryMacro || len(macro.Variables) != 1 || macro.Variables[0] != "greeting" {
		t.Errorf("macro entry = %+v", macro)
	}
	if !fn.IsMacro() {
		t.Error("expected function to be a macro function")
	}
}

func TestCommandCompiler_Errors(t *testing.T) {
	c := NewCommandCompiler(NewCommandSet("say"))

	tests := []struct {
		name  string
		lines []string
		want  error
		line  int
	}{
		{"unknown command", []string{"say ok", "tp @s ~ ~ ~"}, ErrUnknownCommand, 2},
		{"leading slash", []string{"/say hi"}, ErrLeadingSlash, 1},
		{"macro without variables", []string{"$say hi"}, ErrInvalidMacro, 1},
		{"dangling continuation", []string{"say a", "say b \\"}, ErrContinuation, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(context.Background(), testID, tt.lines)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CompileError, got %T", err)
			}
			if ce.Line != tt.line || ce.ID != testID {
				t.Errorf("CompileError = %+v, want line %d", ce, tt.line)
			}
		})
	}
}

func TestCommandCompiler_EmptySetAcceptsAll(t *testing.T) {
	c := NewCommandCompiler(nil)
	fn, err := c.Compile(context.Background(), testID, []string{"anything goes"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(fn.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(fn.Entries))
	}
}

func TestCommandCompiler_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCommandCompiler(nil).Compile(ctx, testID, []string{"say hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

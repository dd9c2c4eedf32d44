// Package notify delivers human-readable status lines to operators.
//
// Sinks are fire-and-forget: a failing sink never reports back to the caller.
package notify

import (
	"fmt"
	"log/slog"
	"time"
)

// Level classifies a message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Colors used for reload status lines.
const (
	ColorCreated  = "#12B617"
	ColorModified = "#D1A21E"
	ColorDeleted  = "#B61212"
	ColorError    = "#FF5555"
)

// Message is one broadcast status line.
type Message struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Source string    `json:"source,omitempty"`
	Text   string    `json:"text"`
	Color  string    `json:"color,omitempty"`
}

// Sink receives broadcast messages.
type Sink interface {
	Broadcast(msg Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message)

func (f SinkFunc) Broadcast(msg Message) { f(msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})

// Info builds an info message.
func Info(source, format string, args ...any) Message {
	return newMessage(LevelInfo, source, "", format, args...)
}

// Error builds an error message.
func Error(source, format string, args ...any) Message {
	return newMessage(LevelError, source, ColorError, format, args...)
}

// Colored builds a success message rendered in color.
func Colored(source, color, format string, args ...any) Message {
	return newMessage(LevelSuccess, source, color, format, args...)
}

func newMessage(level Level, source, color, format string, args ...any) Message {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	return Message{
		Time:   time.Now().UTC(),
		Level:  level,
		Source: source,
		Text:   text,
		Color:  color,
	}
}

// LogSink writes messages to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Broadcast(msg Message) {
	attrs := []any{"source", msg.Source, "level", string(msg.Level)}
	switch msg.Level {
	case LevelError:
		s.logger.Error(msg.Text, attrs...)
	case LevelWarn:
		s.logger.Warn(msg.Text, attrs...)
	default:
		s.logger.Info(msg.Text, attrs...)
	}
}

// Multi fans out to several sinks. A panicking sink is logged and skipped.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out sink. Nil sinks are ignored.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Broadcast(msg Message) {
	for _, s := range m.sinks {
		m.deliver(s, msg)
	}
}

func (m *Multi) deliver(s Sink, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notification sink panicked", "panic", r, "text", msg.Text)
		}
	}()
	s.Broadcast(msg)
}

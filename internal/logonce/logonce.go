// Package logonce emits a diagnostic at most once per (type, function) pair
// for the lifetime of a State.
//
// Delegate interfaces in this module have optional methods. When a caller
// hands in a delegate that does not implement one of them, the no-op default
// reports it through LogUnimplemented so the omission shows up in the logs
// without flooding them. Messages use the category
// "delegation.<InterfaceName>".
package logonce

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
)

// Key identifies one (implementer type, method) pair.
type Key struct {
	TypeDescription string
	Function        string
}

// MarkResult is the outcome of State.Mark.
type MarkResult int

// Mark results.
const (
	AlreadyMarked MarkResult = iota
	Marked
)

// State is the set of keys that have already been logged. It is safe for
// concurrent use.
type State struct {
	mu     sync.Mutex
	warned []Key
	index  map[Key]struct{}
}

// NewState creates an empty State.
func NewState() *State {
	return &State{index: make(map[Key]struct{})}
}

// Mark records key and returns Marked if this call inserted it.
func (s *State) Mark(key Key) MarkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return AlreadyMarked
	}
	s.index[key] = struct{}{}
	s.warned = append(s.warned, key)
	return Marked
}

// Clear forgets every recorded key. Meant for tests; clearing in production
// re-arms every warning.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.warned = nil
	s.index = make(map[Key]struct{})
}

// CountWarned returns how many distinct functions were recorded for a type.
func (s *State) CountWarned(typeDescription string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.warned {
		if k.TypeDescription == typeDescription {
			n++
		}
	}
	return n
}

// Keys returns the recorded keys in insertion order.
func (s *State) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Key, len(s.warned))
	copy(out, s.warned)
	return out
}

// Logger writes a message the first time a key is seen.
type Logger struct {
	state  *State
	logger *slog.Logger
	onEmit func(Key)
}

// NewLogger creates a Logger. A nil state gets a fresh one; a nil logger uses
// slog.Default at emission time.
func NewLogger(state *State, logger *slog.Logger) *Logger {
	if state == nil {
		state = NewState()
	}
	return &Logger{state: state, logger: logger}
}

// OnEmit registers a hook called after each emitted message.
func (l *Logger) OnEmit(fn func(Key)) {
	l.onEmit = fn
}

// State returns the underlying seen-set.
func (l *Logger) State() *State {
	return l.state
}

// LogOnce logs msg at level if key has not been logged before and reports
// whether it did.
func (l *Logger) LogOnce(key Key, level slog.Level, msg string, args ...any) bool {
	if l.state.Mark(key) != Marked {
		return false
	}

	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, msg, args...)

	if l.onEmit != nil {
		l.onEmit(key)
	}
	return true
}

// LogUnimplemented reports that impl does not implement function of the
// named interface. An empty function name is taken from the caller.
func (l *Logger) LogUnimplemented(impl any, iface string, level slog.Level, function string) bool {
	if function == "" {
		function = callerFunction(2)
	}
	typeDescription := fmt.Sprintf("%T", impl)

	key := Key{TypeDescription: typeDescription, Function: function}
	msg := fmt.Sprintf(
		"Unimplemented delegate method in %s: %s.%s. This message will only be logged once.",
		typeDescription, iface, function,
	)
	return l.LogOnce(key, level, msg, "category", "delegation."+iface)
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide Logger, created on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = NewLogger(NewState(), nil)
	})
	return defaultLogger
}

// LogUnimplemented reports through the process-wide Logger.
func LogUnimplemented(impl any, iface string, level slog.Level, function string) bool {
	if function == "" {
		function = callerFunction(2)
	}
	return Default().LogUnimplemented(impl, iface, level, function)
}

// callerFunction returns the bare method or function name skip frames up.
func callerFunction(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

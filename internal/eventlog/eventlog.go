// Package eventlog keeps the short display logs for room events and chat.
// Entries are newest first and capped; overflow drops the oldest entry.
package eventlog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const defaultCapacity = 50

// Entry is a single display line.
type Entry struct {
	Text string
	At   time.Time
}

// Log is a capped, newest-first list of display lines.
type Log struct {
	mu       sync.Mutex
	name     string
	capacity int
	clock    clockwork.Clock
	entries  []Entry
	onChange func([]Entry)
}

// New creates a log with the default 50-entry capacity.
func New(name string) *Log {
	return &Log{name: name, capacity: defaultCapacity, clock: clockwork.NewRealClock()}
}

// NewWithClock creates a log that stamps entries from the given clock.
func NewWithClock(name string, clock clockwork.Clock) *Log {
	return &Log{name: name, capacity: defaultCapacity, clock: clock}
}

// SetOnChange registers a hook invoked with the updated entries after every
// append. At most one hook is held; registering replaces the previous one.
func (l *Log) SetOnChange(fn func([]Entry)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Append prepends a line, dropping the oldest entry past capacity.
func (l *Log) Append(text string) {
	l.mu.Lock()
	l.entries = append([]Entry{{Text: text, At: l.clock.Now()}}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	entries := append([]Entry(nil), l.entries...)
	hook := l.onChange
	l.mu.Unlock()

	log.Debug().Str("log", l.name).Str("text", text).Msg("log entry appended")
	if hook != nil {
		hook(entries)
	}
}

// Entries returns a copy of the current lines, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len reports the number of retained lines.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

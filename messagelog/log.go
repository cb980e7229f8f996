// Package messagelog holds the ordered list of messages shown in a chat
// session. It is the only place entries are created or replaced, and it
// notifies observers once per mutation, after the new state is in place.
package messagelog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-session/metrics"
	"chat-session/models"
)

var ErrNotFound = errors.New("message not found")

type Op string

const (
	OpAppend  Op = "append"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Change describes one mutation. Index is the position the message had
// (remove) or has (append, replace) after the mutation.
type Change struct {
	Op      Op
	Index   int
	Message models.Message
	Version uint64
}

type Observer func(Change)

type Log struct {
	mu        sync.RWMutex
	entries   []models.Message
	nextID    uint64
	nextKey   uint64
	version   uint64
	observers map[int]Observer
	nextObs   int
	now       func() time.Time
}

func New() *Log {
	return &Log{
		observers: make(map[int]Observer),
		now:       time.Now,
	}
}

// Subscribe registers fn for every later change. The returned func removes it.
func (l *Log) Subscribe(fn Observer) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

// Append assigns an id (and a creation time when unset) and adds m at the end.
func (l *Log) Append(m models.Message) models.Message {
	l.mu.Lock()
	l.nextID++
	m.ID = models.MessageID(l.nextID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now()
	}
	l.entries = append(l.entries, m)
	ch := l.changeLocked(OpAppend, len(l.entries)-1, m)
	obs := l.observersLocked()
	l.mu.Unlock()

	l.notify(obs, ch)
	return m.Clone()
}

// ReplaceAt swaps the entry at index for m. The id must not change.
func (l *Log) ReplaceAt(index int, m models.Message) error {
	l.mu.Lock()
	if index < 0 || index >= len(l.entries) {
		l.mu.Unlock()
		return fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if l.entries[index].ID != m.ID {
		l.mu.Unlock()
		return fmt.Errorf("replace at %d: id %d does not match %d", index, m.ID, l.entries[index].ID)
	}
	l.entries[index] = m
	ch := l.changeLocked(OpReplace, index, m)
	obs := l.observersLocked()
	l.mu.Unlock()

	l.notify(obs, ch)
	return nil
}

// Update replaces the entry with the given id by fn's result. fn receives a
// deep copy; if it returns an error the log is left untouched.
func (l *Log) Update(id models.MessageID, fn func(models.Message) (models.Message, error)) (models.Message, error) {
	l.mu.Lock()
	idx := l.indexLocked(id)
	if idx < 0 {
		l.mu.Unlock()
		return models.Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	next, err := fn(l.entries[idx].Clone())
	if err != nil {
		l.mu.Unlock()
		return models.Message{}, err
	}
	next.ID = id
	l.entries[idx] = next
	ch := l.changeLocked(OpReplace, idx, next)
	obs := l.observersLocked()
	l.mu.Unlock()

	l.notify(obs, ch)
	return next.Clone(), nil
}

// RemoveKind drops every entry of kind and returns how many were removed.
func (l *Log) RemoveKind(kind models.Kind) int {
	l.mu.Lock()
	var changes []Change
	kept := l.entries[:0]
	for i, m := range l.entries {
		if m.Kind == kind {
			changes = append(changes, l.changeLocked(OpRemove, i-len(changes), m))
			continue
		}
		kept = append(kept, m)
	}
	clear(l.entries[len(kept):])
	l.entries = kept
	obs := l.observersLocked()
	l.mu.Unlock()

	for _, ch := range changes {
		l.notify(obs, ch)
	}
	return len(changes)
}

// NextKey returns a session-unique key with the given prefix.
func (l *Log) NextKey(prefix string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextKey++
	return fmt.Sprintf("%s-%d", prefix, l.nextKey)
}

func (l *Log) Get(id models.MessageID) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.indexLocked(id)
	if idx < 0 {
		return models.Message{}, false
	}
	return l.entries[idx].Clone(), true
}

func (l *Log) IndexOf(id models.MessageID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexLocked(id)
}

// Snapshot returns a deep copy of the log in display order.
func (l *Log) Snapshot() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.entries))
	for i, m := range l.entries {
		out[i] = m.Clone()
	}
	return out
}

func (l *Log) Count(kind models.Kind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.entries {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *Log) indexLocked(id models.MessageID) int {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Log) changeLocked(op Op, index int, m models.Message) Change {
	l.version++
	metrics.LogMutations.WithLabelValues(string(op)).Inc()
	return Change{Op: op, Index: index, Message: m.Clone(), Version: l.version}
}

func (l *Log) observersLocked() []Observer {
	out := make([]Observer, 0, len(l.observers))
	for i := 0; i < l.nextObs; i++ {
		if fn, ok := l.observers[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (l *Log) notify(obs []Observer, ch Change) {
	for _, fn := range obs {
		fn(ch)
	}
}

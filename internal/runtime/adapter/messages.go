package adapter

import (
	"sync"
	"time"
)

// Message levels kept by a MessageKeeper.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// DefaultMessageKeeperSize is the number of events an adapter keeps.
const DefaultMessageKeeperSize = 10

// Event is one entry of the adapter's recent history.
type Event struct {
	At    time.Time `json:"at"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// MessageKeeper holds the most recent adapter events in a ring.
type MessageKeeper struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	now    func() time.Time
}

// NewMessageKeeper keeps up to size events. Sizes below one keep one.
func NewMessageKeeper(size int) *MessageKeeper {
	if size < 1 {
		size = 1
	}
	return &MessageKeeper{events: make([]Event, size), now: time.Now}
}

// Add records text at level, evicting the oldest event when full.
func (k *MessageKeeper) Add(level, text string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events[k.next] = Event{At: k.now(), Level: level, Text: text}
	k.next = (k.next + 1) % len(k.events)
	if k.next == 0 {
		k.full = true
	}
}

// Events returns the kept events, oldest first.
func (k *MessageKeeper) Events() []Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.full {
		return append([]Event(nil), k.events[:k.next]...)
	}
	out := make([]Event, 0, len(k.events))
	out = append(out, k.events[k.next:]...)
	return append(out, k.events[:k.next]...)
}

// Len returns the number of kept events.
func (k *MessageKeeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.full {
		return len(k.events)
	}
	return k.next
}

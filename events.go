package peerlink

import (
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
)

// EventKind identifies the kind of an Event.
type EventKind int

const (
	// EventDisconnected reports that an established link ended. It is
	// reported exactly once per link.
	EventDisconnected EventKind = iota + 1

	// EventNetworkLost reports that the discovery network became unusable.
	EventNetworkLost
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventNetworkLost:
		return "network-lost"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// An Event is a notification delivered by Poll.
type Event struct {
	Kind EventKind

	// Err is the cause of a disconnection, or nil if the link was closed
	// deliberately by either end.
	Err error
}

func (e Event) String() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// An Update is the result of a single call to Poll.
type Update struct {
	Messages [][]byte // received messages, in the order they arrived
	Events   []Event  // notifications, in the order they occurred
}

// IsEmpty reports whether u carries no messages or events.
func (u Update) IsEmpty() bool { return len(u.Messages) == 0 && len(u.Events) == 0 }

// A mailbox is a queue shared between goroutines. If max > 0, the mailbox
// holds at most max values, and when full the oldest is discarded to make
// room. Otherwise it is unbounded.
type mailbox[T any] struct {
	mu  sync.Mutex
	q   queue.Queue[T]
	max int
}

func newMailbox[T any](max int) *mailbox[T] {
	return &mailbox[T]{max: max}
}

// add enqueues v and reports whether an older value was discarded.
func (m *mailbox[T]) add(v T) (dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && m.q.Len() >= m.max {
		m.q.Pop()
		dropped = true
	}
	m.q.Add(v)
	return dropped
}

// drain removes and returns all queued values, or nil if there are none.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.IsEmpty() {
		return nil
	}
	out := make([]T, 0, m.q.Len())
	for !m.q.IsEmpty() {
		v, _ := m.q.Pop()
		out = append(out, v)
	}
	return out
}

// clear discards all queued values and reports how many there were.
func (m *mailbox[T]) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.q.Len()
	for !m.q.IsEmpty() {
		m.q.Pop()
	}
	return n
}

// len reports the number of queued values.
func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Len()
}

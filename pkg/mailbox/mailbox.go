package mailbox

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned when a bounded mailbox cannot take another message
	ErrFull = errors.New("mailbox is full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("mailbox is closed")
)

// Mailbox is the ordered inbound queue of one actor. It is safe for many
// producers; Dequeue, Stash and Unstash must only be called by the single
// consumer that processes the actor.
//
// Messages are taken from three lanes: system messages first, then regular
// messages, then low-priority messages. Within a lane order is FIFO.
type Mailbox struct {
	mu     sync.Mutex
	limit  int
	closed bool

	system  queue
	regular queue
	low     queue
	stash   queue
}

// New creates a mailbox. A limit > 0 bounds the regular and low lanes
// together; system messages are never rejected for size.
func New(limit int) *Mailbox {
	mb := &Mailbox{}
	if limit > 0 {
		mb.limit = limit
	}
	mb.system.init()
	mb.regular.init()
	mb.low.init()
	mb.stash.init()
	return mb
}

// Enqueue appends a regular message
func (mb *Mailbox) Enqueue(msg any) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.admit(); err != nil {
		return err
	}
	mb.regular.enqueue(msg)
	return nil
}

// EnqueueLow appends a message that yields to all regular traffic
func (mb *Mailbox) EnqueueLow(msg any) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.admit(); err != nil {
		return err
	}
	mb.low.enqueue(msg)
	return nil
}

// EnqueueSystem appends a message that is processed before regular traffic
func (mb *Mailbox) EnqueueSystem(msg any) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrClosed
	}
	mb.system.enqueue(msg)
	return nil
}

func (mb *Mailbox) admit() error {
	if mb.closed {
		return ErrClosed
	}
	if mb.limit != 0 && mb.regular.length()+mb.low.length() >= mb.limit {
		return ErrFull
	}
	return nil
}

// Dequeue returns the next message or false when every lane is empty.
// It never blocks.
func (mb *Mailbox) Dequeue() (any, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	switch {
	case !mb.system.empty():
		return mb.system.dequeue(), true
	case !mb.regular.empty():
		return mb.regular.dequeue(), true
	case !mb.low.empty():
		return mb.low.dequeue(), true
	}
	return nil, false
}

// Stash parks a message until the next Unstash
func (mb *Mailbox) Stash(msg any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.stash.enqueue(msg)
}

// Unstash moves every stashed message to the front of the regular lane in
// the order they were stashed.
func (mb *Mailbox) Unstash() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.regular.moveFrom(&mb.stash)
}

// Len returns the number of messages waiting in all lanes, stash excluded
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.system.length() + mb.regular.length() + mb.low.length()
}

// StashLen returns the number of stashed messages
func (mb *Mailbox) StashLen() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.stash.length()
}

// IsEmpty reports whether no lane holds a message
func (mb *Mailbox) IsEmpty() bool {
	return mb.Len() == 0
}

// Close rejects further messages and returns everything that was still
// queued, stashed messages first.
func (mb *Mailbox) Close() []any {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil
	}
	mb.closed = true

	var rest []any
	rest = append(rest, mb.stash.drain()...)
	rest = append(rest, mb.system.drain()...)
	rest = append(rest, mb.regular.drain()...)
	rest = append(rest, mb.low.drain()...)
	return rest
}

// Closed reports whether Close has been called
func (mb *Mailbox) Closed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}

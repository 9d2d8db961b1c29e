package actor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// Context is handed to an actor on every call. It is bound to one actor
// incarnation; a restarted actor receives a fresh Context.
type Context struct {
	cell   *cell
	gen    uint64
	logger zerolog.Logger

	timersMu sync.Mutex
	timerSeq uint64
	timers   map[uint64]*pendingTimer
}

type pendingTimer struct {
	timer *time.Timer
	msg   any
}

func newContext(c *cell, gen uint64) *Context {
	return &Context{
		cell:   c,
		gen:    gen,
		logger: c.logger,
		timers: make(map[uint64]*pendingTimer),
	}
}

// Self returns the actor's own identity
func (c *Context) Self() types.ActorID {
	return c.cell.id
}

// Logger returns a logger carrying the actor_id field
func (c *Context) Logger() *zerolog.Logger {
	return &c.logger
}

// Clock returns the registry clock
func (c *Context) Clock() types.Clock {
	return c.cell.reg.clock
}

// Now returns the current registry clock time
func (c *Context) Now() time.Time {
	return c.cell.reg.clock.Now()
}

// Tell dispatches a message to another actor, creating it if needed
func (c *Context) Tell(id types.ActorID, msg any) error {
	return c.cell.reg.Tell(id, msg)
}

// TellSelf appends a message to the actor's own mailbox
func (c *Context) TellSelf(msg any) error {
	return c.cell.enqueue(msg, laneRegular)
}

// Stash parks a message until Unstash
func (c *Context) Stash(msg any) {
	c.cell.mb.Stash(msg)
}

// Unstash puts every stashed message back in front of the mailbox
func (c *Context) Unstash() {
	c.cell.mb.Unstash()
}

// StashLen returns the number of stashed messages
func (c *Context) StashLen() int {
	return c.cell.mb.StashLen()
}

// Async runs op on the registry I/O pool. Its outcome re-enters the
// mailbox and then is invoked from the actor's consumer, so it may touch
// actor state. Results for an incarnation that crashed are dropped.
func (c *Context) Async(op func(ctx context.Context) (any, error), then func(result any, err error)) {
	cl := c.cell
	gen := c.gen
	cl.pendingIO.Inc()

	go func() {
		result, err := cl.reg.runIO(op)
		cl.post(asyncResult{gen: gen, result: result, err: err, then: then})
	}()
}

// ScheduleOnce delivers msg to the actor after d. The returned function
// cancels delivery. Pending timers are cancelled when the actor stops or
// restarts; Failable messages are then failed with ErrActorStopping.
func (c *Context) ScheduleOnce(d time.Duration, msg any) func() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	c.timerSeq++
	id := c.timerSeq
	c.timers[id] = &pendingTimer{
		timer: time.AfterFunc(d, func() { c.fire(id) }),
		msg:   msg,
	}

	return func() {
		c.timersMu.Lock()
		pt, ok := c.timers[id]
		delete(c.timers, id)
		c.timersMu.Unlock()
		if ok {
			pt.timer.Stop()
		}
	}
}

func (c *Context) fire(id uint64) {
	c.timersMu.Lock()
	pt, ok := c.timers[id]
	delete(c.timers, id)
	c.timersMu.Unlock()
	if !ok {
		return
	}

	if err := c.cell.enqueue(pt.msg, laneRegular); err != nil {
		failMessage(pt.msg, ErrActorStopping)
	}
}

// PendingTimers returns the number of scheduled, undelivered messages
func (c *Context) PendingTimers() int {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	return len(c.timers)
}

func (c *Context) cancelTimers() {
	c.timersMu.Lock()
	timers := c.timers
	c.timers = make(map[uint64]*pendingTimer)
	c.timersMu.Unlock()

	for _, pt := range timers {
		pt.timer.Stop()
		failMessage(pt.msg, ErrActorStopping)
	}
}

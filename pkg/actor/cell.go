package actor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/mailbox"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

type lane int

const (
	laneRegular lane = iota
	laneSystem
	laneLow
)

const (
	reasonEvicted    = "evicted"
	reasonIdle       = "idle"
	reasonInitFailed = "init_failed"
)

// cell binds an actor to its mailbox. Producers only touch mu and the
// mailbox; every other field belongs to the worker currently running the
// cell, and at most one worker runs a cell at a time.
type cell struct {
	id     types.ActorID
	key    string
	reg    *Registry
	mb     *mailbox.Mailbox
	logger zerolog.Logger

	mu       sync.Mutex
	stopping bool
	gone     bool

	actor   Actor
	ctx     *Context
	gen     uint64
	active  bool
	stopReq bool
	removed bool

	scheduled  *atomic.Bool
	pendingIO  *atomic.Int64
	processed  *atomic.Int64
	restarts   *atomic.Int64
	lastActive *atomic.Time
	createdAt  time.Time

	done     chan struct{}
	finalize sync.Once
}

func newCell(r *Registry, id types.ActorID) *cell {
	now := r.clock.Now()
	return &cell{
		id:         id,
		key:        id.String(),
		reg:        r,
		mb:         mailbox.New(r.cfg.MailboxLimit),
		logger:     log.WithActorID(id.String()),
		scheduled:  atomic.NewBool(true), // held until the actor is initialized
		pendingIO:  atomic.NewInt64(0),
		processed:  atomic.NewInt64(0),
		restarts:   atomic.NewInt64(0),
		lastActive: atomic.NewTime(now),
		createdAt:  now,
		done:       make(chan struct{}),
	}
}

// enqueue accepts a message from a producer unless the actor is stopping
func (c *cell) enqueue(msg any, l lane) error {
	c.mu.Lock()
	if c.stopping {
		gone := c.gone
		c.mu.Unlock()
		if gone {
			return errCellGone
		}
		return fmt.Errorf("%w: %s", ErrActorStopping, c.key)
	}

	var err error
	switch l {
	case laneSystem:
		err = c.mb.EnqueueSystem(msg)
	case laneLow:
		err = c.mb.EnqueueLow(msg)
	default:
		err = c.mb.Enqueue(msg)
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, mailbox.ErrFull) {
			return fmt.Errorf("%w: %s", ErrMailboxFull, c.key)
		}
		return errCellGone
	}

	c.schedule()
	return nil
}

// post delivers a registry-internal message, bypassing the stopping gate
func (c *cell) post(msg any) bool {
	if err := c.mb.EnqueueSystem(msg); err != nil {
		return false
	}
	c.schedule()
	return true
}

// postInOrder is post behind the regular traffic already queued. It falls
// back to the system lane when the regular lane is full.
func (c *cell) postInOrder(msg any) bool {
	if err := c.mb.Enqueue(msg); err != nil {
		return c.post(msg)
	}
	c.schedule()
	return true
}

func (c *cell) schedule() {
	if c.scheduled.CompareAndSwap(false, true) {
		c.reg.dispatch(c)
	}
}

// release lets producers schedule the cell again
func (c *cell) release() {
	c.scheduled.Store(false)
	if !c.mb.IsEmpty() {
		c.schedule()
	}
}

// run processes up to throughput messages, then yields the worker
func (c *cell) run() {
	kind := string(c.id.Kind)
	metrics.MailboxDepth.WithLabelValues(kind).Observe(float64(c.mb.Len()))

	for i := 0; i < c.reg.cfg.Throughput; i++ {
		msg, ok := c.mb.Dequeue()
		if !ok {
			break
		}

		c.handle(msg)
		if c.removed {
			return
		}
		if c.stopReq && c.drained() {
			c.terminate(reasonEvicted, ErrActorStopping)
			return
		}
	}

	c.release()
}

func (c *cell) drained() bool {
	return c.mb.IsEmpty() && c.pendingIO.Load() == 0
}

func (c *cell) handle(msg any) {
	switch m := msg.(type) {
	case stopSignal:
		c.stopReq = true
		return
	case idleCheck:
		c.checkIdle()
		return
	case inspectQuery:
		m.reply <- c.snapshot()
		return
	case asyncResult:
		c.pendingIO.Dec()
		if m.gen != c.gen || m.then == nil {
			return
		}
	}

	kind := string(c.id.Kind)
	c.lastActive.Store(c.reg.clock.Now())
	timer := metrics.NewTimer()

	c.invoke(msg)

	timer.ObserveDurationVec(metrics.MessageProcessingDuration, kind)
	metrics.MessagesProcessedTotal.WithLabelValues(kind).Inc()
	c.processed.Inc()
}

func (c *cell) invoke(msg any) {
	defer func() {
		if r := recover(); r != nil {
			c.crash(msg, r)
		}
	}()

	if res, ok := msg.(asyncResult); ok {
		res.then(res.result, res.err)
		return
	}
	c.actor.Receive(c.ctx, msg)
}

// crash restarts the actor. The message that caused the panic is failed,
// not retried.
func (c *cell) crash(msg any, r any) {
	c.logger.Error().
		Interface("panic", r).
		Str("message", fmt.Sprintf("%T", msg)).
		Bytes("stack", debug.Stack()).
		Msg("Actor panicked, restarting")

	metrics.ActorRestartsTotal.WithLabelValues(string(c.id.Kind)).Inc()
	c.restarts.Inc()
	failMessage(msg, fmt.Errorf("%w: %v", ErrActorCrashed, r))

	c.ctx.cancelTimers()
	safeDestroy(c.actor, c.ctx)
	c.actor, c.ctx = nil, nil
	c.gen++

	if err := c.reg.instantiate(c); err != nil {
		c.logger.Error().Err(err).Msg("Actor restart failed")
		metrics.ActorInitFailuresTotal.WithLabelValues(string(c.id.Kind)).Inc()
		c.terminate(reasonInitFailed, fmt.Errorf("%w: %s: %v", ErrActorInit, c.key, err))
		return
	}

	// stashed messages never reached the crashed incarnation's logic
	c.mb.Unstash()
}

func (c *cell) checkIdle() {
	if c.stopReq {
		return
	}

	c.mu.Lock()
	idleFor := c.reg.clock.Now().Sub(c.lastActive.Load())
	busy := !c.mb.IsEmpty() || c.mb.StashLen() > 0 || c.pendingIO.Load() > 0 || c.ctx.PendingTimers() > 0
	if idleFor < c.reg.cfg.IdleTimeout || busy {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.gone = true
	c.mu.Unlock()

	c.logger.Debug().Dur("idle", idleFor).Msg("Evicting idle actor")
	c.terminate(reasonIdle, ErrActorStopping)
}

// terminate destroys the actor, removes the cell and fails whatever is left
func (c *cell) terminate(reason string, cause error) {
	c.finalize.Do(func() {
		c.mu.Lock()
		c.stopping = true
		if reason != reasonEvicted {
			c.gone = true
		}
		c.mu.Unlock()

		if c.actor != nil {
			c.ctx.cancelTimers()
			safeDestroy(c.actor, c.ctx)
		}

		c.reg.cells.RemoveCb(c.key, func(_ string, v *cell, exists bool) bool {
			return exists && v == c
		})

		for _, msg := range c.mb.Close() {
			if q, ok := msg.(inspectQuery); ok {
				close(q.reply)
				continue
			}
			failMessage(msg, cause)
		}

		kind := string(c.id.Kind)
		if c.active {
			metrics.ActorsActive.WithLabelValues(kind).Dec()
			metrics.ActorsEvictedTotal.WithLabelValues(kind, reason).Inc()
		}
		c.active = false
		c.removed = true
		close(c.done)
	})
}

func (c *cell) snapshot() Snapshot {
	s := Snapshot{
		ID:          c.id,
		MailboxSize: c.mb.Len(),
		Stashed:     c.mb.StashLen(),
		Processed:   c.processed.Load(),
		Restarts:    c.restarts.Load(),
		CreatedAt:   c.createdAt,
		LastActive:  c.lastActive.Load(),
	}
	if in, ok := c.actor.(Inspectable); ok {
		s.State = in.Inspect()
	}
	return s
}

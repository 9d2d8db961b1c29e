package actor

import (
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
)

// Actor is the behavior behind one ActorID. All methods are invoked from
// the actor's single consumer, never concurrently.
type Actor interface {
	// Init prepares the actor before its first message
	Init(ctx *Context) error
	// Receive processes one message
	Receive(ctx *Context, msg any)
	// Destroy releases the actor's resources on eviction or restart
	Destroy(ctx *Context)
}

// Creator builds a new actor instance for an ActorID
type Creator func(id types.ActorID) (Actor, error)

// Inspectable is implemented by actors that expose a read-only view of
// their internal tables for introspection
type Inspectable interface {
	Inspect() any
}

// Failable is implemented by messages that carry a reply path. The
// registry fails them when they can no longer be processed.
type Failable interface {
	Fail(err error)
}

// Snapshot is the read-only view of one live actor
type Snapshot struct {
	ID          types.ActorID `json:"id"`
	MailboxSize int           `json:"mailbox_size"`
	Stashed     int           `json:"stashed"`
	Processed   int64         `json:"processed"`
	Restarts    int64         `json:"restarts"`
	CreatedAt   time.Time     `json:"created_at"`
	LastActive  time.Time     `json:"last_active"`
	State       any           `json:"state,omitempty"`
}

func failMessage(msg any, err error) {
	if f, ok := msg.(Failable); ok {
		f.Fail(err)
	}
}

// registry-internal messages
type (
	stopSignal struct{}

	idleCheck struct{}

	inspectQuery struct {
		reply chan Snapshot
	}

	asyncResult struct {
		gen    uint64
		result any
		err    error
		then   func(result any, err error)
	}
)

func safeInit(a Actor, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in init: %v", r)
		}
	}()
	return a.Init(ctx)
}

func safeDestroy(a Actor, ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			ctx.logger.Error().Interface("panic", r).Msg("Actor panicked in destroy")
		}
	}()
	a.Destroy(ctx)
}

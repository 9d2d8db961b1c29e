package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// EventType represents the type of event
type EventType string

const (
	EventFieldScheduled   EventType = "cf.scheduled"
	EventFieldUnscheduled EventType = "cf.unscheduled"
	EventFieldBound       EventType = "cf.bound"
	EventFieldUnbound     EventType = "cf.unbound"
	EventEntityDeleted    EventType = "entity.deleted"
	EventTenantDeleted    EventType = "tenant.deleted"
	EventActorEvicted     EventType = "actor.evicted"
)

// Event represents a runtime event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TenantID  uuid.UUID
	EntityID  uuid.UUID
	FieldID   uuid.UUID
	Interval  time.Duration // refresh interval of cf.scheduled
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool // nil means every type
}

func (s subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// DefaultDeliveryTimeout bounds how long a slow subscriber can hold up the broadcast loop
const DefaultDeliveryTimeout = time.Second

// DefaultMaxBacklog bounds the events held once the publish buffer is full
const DefaultMaxBacklog = 64 * 1024

// Broker manages event subscriptions and distribution.
//
// Publish never blocks: once the buffer is full, events wait in an ordered
// backlog, and only past DefaultMaxBacklog are they dropped. Delivery to a
// subscriber blocks until it has room or the delivery timeout passes, so a
// briefly slow consumer does not lose events.
type Broker struct {
	subscribers map[Subscriber]subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	// queueMu orders publishes between eventCh and backlog
	queueMu    sync.Mutex
	backlog    []*Event
	maxBacklog int
	wake       chan struct{}

	deliveryTimeout time.Duration
	dropped         atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers:     make(map[Subscriber]subscription),
		eventCh:         make(chan *Event, 1024),
		stopCh:          make(chan struct{}),
		maxBacklog:      DefaultMaxBacklog,
		wake:            make(chan struct{}, 1),
		deliveryTimeout: DefaultDeliveryTimeout,
	}
}

// SetDeliveryTimeout changes the per-subscriber delivery timeout
func (b *Broker) SetDeliveryTimeout(d time.Duration) {
	b.deliveryTimeout = d
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription for the given event types, or for every
// type when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 256)
	s := subscription{}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for every subscriber without blocking. Events
// are broadcast in publish order.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if len(b.backlog) == 0 {
		select {
		case b.eventCh <- event:
			return
		default:
		}
	}
	if len(b.backlog) >= b.maxBacklog {
		b.dropped.Inc()
		return
	}
	b.backlog = append(b.backlog, event)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
			continue
		case <-b.stopCh:
			return
		default:
		}

		if backlog := b.takeBacklog(); len(backlog) > 0 {
			for _, event := range backlog {
				b.broadcast(event)
			}
			continue
		}

		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.wake:
		case <-b.stopCh:
			return
		}
	}
}

// takeBacklog hands over the backlog once everything buffered ahead of it
// has been broadcast
func (b *Broker) takeBacklog() []*Event {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if len(b.eventCh) > 0 {
		return nil
	}
	backlog := b.backlog
	b.backlog = nil
	return backlog
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}

		select {
		case sub <- event:
			continue
		default:
		}

		timer := time.NewTimer(b.deliveryTimeout)
		select {
		case sub <- event:
		case <-timer.C:
			b.dropped.Inc()
		case <-b.stopCh:
		}
		timer.Stop()
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of deliveries abandoned after the delivery
// timeout plus the events rejected by a full backlog
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

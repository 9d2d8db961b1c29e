package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultInterval is the tick period when none is configured
const DefaultInterval = 10 * time.Second

// Teller posts messages into actor mailboxes
type Teller interface {
	TellLow(id types.ActorID, msg any) error
}

// EventSource feeds the scheduler with registration events
type EventSource interface {
	Subscribe(kinds ...events.EventType) events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Scheduler posts refresh ticks to calculated-field actors that own
// fields with dynamic arguments. It keeps only the index of scheduled
// fields; whether a refresh is actually due is decided by the actor.
type Scheduler struct {
	teller   Teller
	source   EventSource
	clock    types.Clock
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	index map[types.ActorID]map[uuid.UUID]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler. source may be nil when the index
// is maintained through Register and Unregister only.
func NewScheduler(teller Teller, source EventSource, clock types.Clock, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = types.SystemClock
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		teller:   teller,
		source:   source,
		clock:    clock,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		index:    make(map[types.ActorID]map[uuid.UUID]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	var sub events.Subscriber
	if s.source != nil {
		sub = s.source.Subscribe(
			events.EventFieldScheduled,
			events.EventFieldUnscheduled,
			events.EventEntityDeleted,
			events.EventTenantDeleted,
		)
	}

	s.wg.Add(1)
	go s.run(sub)
}

// Stop stops the scheduler and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run(sub events.Subscriber) {
	defer s.wg.Done()
	if sub != nil {
		defer s.source.Unsubscribe(sub)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			s.HandleEvent(event)
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// HandleEvent applies one registration event to the index
func (s *Scheduler) HandleEvent(event *events.Event) {
	switch event.Type {
	case events.EventFieldScheduled:
		s.Register(event.TenantID, event.EntityID, event.FieldID)
	case events.EventFieldUnscheduled:
		if event.FieldID == uuid.Nil {
			s.RemoveEntity(event.TenantID, event.EntityID)
			return
		}
		s.Unregister(event.TenantID, event.EntityID, event.FieldID)
	case events.EventEntityDeleted:
		s.RemoveEntity(event.TenantID, event.EntityID)
	case events.EventTenantDeleted:
		s.RemoveTenant(event.TenantID)
	}
}

// Register adds a field to the refresh index
func (s *Scheduler) Register(tenantID, entityID, fieldID uuid.UUID) {
	id := types.CalculatedFieldActorID(tenantID, entityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.index[id]
	if !ok {
		fields = make(map[uuid.UUID]struct{})
		s.index[id] = fields
	}
	fields[fieldID] = struct{}{}
	metrics.SchedulerScheduledEntities.Set(float64(len(s.index)))
}

// Unregister removes a field from the refresh index
func (s *Scheduler) Unregister(tenantID, entityID, fieldID uuid.UUID) {
	id := types.CalculatedFieldActorID(tenantID, entityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if fields, ok := s.index[id]; ok {
		delete(fields, fieldID)
		if len(fields) == 0 {
			delete(s.index, id)
		}
	}
	metrics.SchedulerScheduledEntities.Set(float64(len(s.index)))
}

// RemoveEntity drops every field of an entity from the index
func (s *Scheduler) RemoveEntity(tenantID, entityID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.index, types.CalculatedFieldActorID(tenantID, entityID))
	metrics.SchedulerScheduledEntities.Set(float64(len(s.index)))
}

// RemoveTenant drops every field of a tenant from the index
func (s *Scheduler) RemoveTenant(tenantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.index {
		if id.TenantID == tenantID {
			delete(s.index, id)
		}
	}
	metrics.SchedulerScheduledEntities.Set(float64(len(s.index)))
}

// Entities returns the number of entities with scheduled fields
func (s *Scheduler) Entities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Fields returns the scheduled field ids of an entity, sorted
func (s *Scheduler) Fields(tenantID, entityID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.index[types.CalculatedFieldActorID(tenantID, entityID)])
}

// Tick performs one scheduling cycle: every indexed actor gets a
// low-priority RefreshTick carrying the current time. It returns the
// number of ticks posted.
func (s *Scheduler) Tick() int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerCycleDuration)

	type target struct {
		id     types.ActorID
		fields []uuid.UUID
	}

	s.mu.RLock()
	targets := make([]target, 0, len(s.index))
	for id, fields := range s.index {
		targets = append(targets, target{id: id, fields: sortedIDs(fields)})
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	sent := 0
	for _, t := range targets {
		err := s.teller.TellLow(t.id, calc.RefreshTick{Now: now, FieldIDs: t.fields})
		switch {
		case err == nil:
			sent++
		case errors.Is(err, actor.ErrTenantDeleted):
			s.RemoveTenant(t.id.TenantID)
		default:
			// the next cycle tries again
			s.logger.Warn().Err(err).Str("actor_id", t.id.String()).Msg("Failed to post refresh tick")
		}
	}

	metrics.SchedulerTicksTotal.Add(float64(sent))
	return sent
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

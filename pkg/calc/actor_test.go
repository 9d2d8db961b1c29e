package calc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore injects failures and stalls in front of a real store
type flakyStore struct {
	storage.StateStore

	mu          sync.Mutex
	putFailures int
	putsBlocked chan struct{}
	puts        int
}

func (s *flakyStore) Put(ctx context.Context, key storage.StateKey, data []byte) error {
	s.mu.Lock()
	if s.putFailures != 0 {
		if s.putFailures > 0 {
			s.putFailures--
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: injected failure", storage.ErrUnavailable)
	}
	block := s.putsBlocked
	s.puts++
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.StateStore.Put(ctx, key, data)
}

func (s *flakyStore) failPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFailures = n
}

func (s *flakyStore) blockPuts() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putsBlocked = make(chan struct{})
	return s.putsBlocked
}

func (s *flakyStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) Notify(ctx context.Context, r Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return nil
}

func (n *recordingNotifier) all() []Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Result(nil), n.results...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t events.EventType) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockDynamicSource struct {
	mock.Mock
}

func (m *mockDynamicSource) Fetch(ctx context.Context, field *types.CalculatedField) (map[string]*ArgumentEntry, error) {
	args := m.Called(field.ID)
	values, _ := args.Get(0).(map[string]*ArgumentEntry)
	return values, args.Error(1)
}

type harness struct {
	reg      *actor.Registry
	clock    *fakeClock
	bolt     *storage.BoltStore
	store    *flakyStore
	notifier *recordingNotifier
	events   *recordingPublisher
	dynamic  *mockDynamicSource
	tenantID uuid.UUID
	entityID uuid.UUID
}

func newHarness(t *testing.T, withDynamic bool) *harness {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		bolt:     bolt,
		store:    &flakyStore{StateStore: bolt},
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
		dynamic:  &mockDynamicSource{},
		tenantID: uuid.New(),
		entityID: uuid.New(),
	}

	deps := Deps{
		Store:    h.store,
		Fields:   bolt,
		Notifier: h.notifier,
		Events:   h.events,
	}
	if withDynamic {
		deps.Dynamic = h.dynamic
	}

	h.reg = actor.NewRegistry(actor.Config{Clock: h.clock})
	h.reg.RegisterKind(types.KindCalculatedField, NewCreator(deps, Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		MaxRetries:           3,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.reg.Stop(ctx)
		_ = bolt.Close()
	})
	return h
}

func (h *harness) id() types.ActorID {
	return types.CalculatedFieldActorID(h.tenantID, h.entityID)
}

// call sends a message built around a callback and waits for the reply
func (h *harness) call(t *testing.T, build func(cb types.Callback) any) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, h.reg.Tell(h.id(), build(func(err error) { done <- err })))
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func (h *harness) bind(t *testing.T, f *types.CalculatedField) {
	t.Helper()
	require.NoError(t, h.call(t, func(cb types.Callback) any { return &BindField{Field: f, Callback: cb} }))
}

func (h *harness) input(t *testing.T, fieldID uuid.UUID, values map[string]*ArgumentEntry) error {
	t.Helper()
	return h.call(t, func(cb types.Callback) any { return &Input{FieldID: fieldID, Values: values, Callback: cb} })
}

// barrier waits until every message sent before it has been processed
func (h *harness) barrier(t *testing.T, fieldID uuid.UUID) {
	t.Helper()
	require.NoError(t, h.input(t, fieldID, nil))
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.reg.Inspect(context.Background(), h.id())
	require.NoError(t, err)
	return s.State.(Snapshot)
}

func (h *harness) persisted(t *testing.T, fieldID uuid.UUID) State {
	t.Helper()
	data, err := h.bolt.Get(context.Background(), storage.StateKey{TenantID: h.tenantID, EntityID: h.entityID, FieldID: fieldID})
	require.NoError(t, err)
	s, err := DecodeState(data)
	require.NoError(t, err)
	return s
}

func (h *harness) evict(t *testing.T) {
	t.Helper()
	done, ok := h.reg.Evict(h.id())
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("actor was not evicted")
	}
}

func simpleField(tenantID, entityID uuid.UUID) *types.CalculatedField {
	return &types.CalculatedField{
		ID:       uuid.New(),
		TenantID: tenantID,
		EntityID: entityID,
		Name:     "sum",
		Type:     types.FieldTypeSimple,
		Arguments: map[string]types.Argument{
			"a": {Key: "a", Type: types.ArgumentTimeSeries},
			"b": {Key: "b", Type: types.ArgumentTimeSeries},
		},
		Expression: "a + b",
		Output:     types.Output{Name: "total", Type: types.OutputTimeSeries},
	}
}

// TestInputPersistsAndNotifies tests evaluation, persistence and pipeline output
func TestInputPersistsAndNotifies(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	h.bind(t, f)

	require.NoError(t, h.input(t, f.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 2)}))
	assert.Empty(t, h.notifier.all(), "not ready yet")

	require.NoError(t, h.input(t, f.ID, map[string]*ArgumentEntry{"b": SingleValue(2, 3)}))
	results := h.notifier.all()
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"total": 5.0}, results[0].Values)
	assert.Equal(t, f.ID, results[0].FieldID)
	assert.Equal(t, h.entityID, results[0].EntityID)

	stored := h.persisted(t, f.ID)
	assert.Equal(t, int64(2), stored.Base().Version)
	assert.Equal(t, map[string]any{"total": 5.0}, stored.Base().Result)

	// an unchanged input neither persists nor notifies
	puts := h.store.putCount()
	require.NoError(t, h.input(t, f.ID, map[string]*ArgumentEntry{"b": SingleValue(2, 3)}))
	assert.Equal(t, puts, h.store.putCount())
	assert.Len(t, h.notifier.all(), 1)
}

// TestAlwaysPersist tests that the flag re-persists and re-emits unchanged results
func TestAlwaysPersist(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	f.AlwaysPersist = true
	h.bind(t, f)

	values := map[string]*ArgumentEntry{"a": SingleValue(1, 1), "b": SingleValue(1, 1)}
	require.NoError(t, h.input(t, f.ID, values))
	require.NoError(t, h.input(t, f.ID, values))

	assert.Len(t, h.notifier.all(), 2)
	assert.Equal(t, int64(2), h.persisted(t, f.ID).Base().Version)
}

// TestRoundTripAfterEviction tests that a recreated actor restores the last persisted state
func TestRoundTripAfterEviction(t *testing.T) {
	h := newHarness(t, false)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	h.bind(t, f)

	require.NoError(t, h.input(t, f.ID, zoneArgs(50.4730, 30.5050)))
	before := h.snapshot(t).Fields[f.ID]
	require.True(t, before.Ready)

	h.evict(t)
	assert.False(t, h.reg.Lookup(h.id()))

	h.barrier(t, f.ID)
	after := h.snapshot(t).Fields[f.ID]
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.State, after.State)
}

// TestLazyRestore tests that only fields named by a message are loaded
func TestLazyRestore(t *testing.T) {
	h := newHarness(t, false)
	f1 := simpleField(h.tenantID, h.entityID)
	f2 := simpleField(h.tenantID, h.entityID)
	h.bind(t, f1)
	h.bind(t, f2)
	require.NoError(t, h.input(t, f2.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1)}))

	h.evict(t)
	h.barrier(t, f1.ID)

	snap := h.snapshot(t)
	assert.Contains(t, snap.Fields, f1.ID)
	assert.NotContains(t, snap.Fields, f2.ID)
}

// TestValidationLeavesStateUnchanged tests synchronous validation failures
func TestValidationLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, false)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	h.bind(t, f)
	require.NoError(t, h.input(t, f.ID, zoneArgs(50.4730, 30.5050)))
	before := h.snapshot(t).Fields[f.ID]
	puts := h.store.putCount()

	err := h.input(t, f.ID, map[string]*ArgumentEntry{
		types.LatitudeArgumentKey: GeofencingZones(map[uuid.UUID]Zone{allowedZoneID: allowedZone}),
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	after := h.snapshot(t).Fields[f.ID]
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, puts, h.store.putCount())
}

// TestUnknownField tests inputs for fields without a binding
func TestUnknownField(t *testing.T) {
	h := newHarness(t, false)
	err := h.input(t, uuid.New(), map[string]*ArgumentEntry{"a": SingleValue(1, 1)})
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

// TestTransientFailureRedelivers tests that storage failures are retried with backoff
func TestTransientFailureRedelivers(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	h.bind(t, f)

	h.store.failPuts(2)
	require.NoError(t, h.input(t, f.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1), "b": SingleValue(1, 2)}))

	stored := h.persisted(t, f.ID)
	assert.Equal(t, int64(1), stored.Base().Version)
	assert.Equal(t, map[string]any{"total": 3.0}, stored.Base().Result)
	assert.Len(t, h.notifier.all(), 1)
}

// TestRetriesExhausted tests that the caller sees the error and state does not advance
func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	h.bind(t, f)

	h.store.failPuts(-1)
	err := h.input(t, f.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1), "b": SingleValue(1, 2)})
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	snap := h.snapshot(t)
	assert.Equal(t, int64(0), snap.Fields[f.ID].Version)
	assert.Empty(t, snap.Fields[f.ID].State.Base().Arguments)
	assert.Empty(t, h.notifier.all())
}

// TestMessagesStashedWhileBusy tests that inputs wait for an in-flight write and keep their order
func TestMessagesStashedWhileBusy(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	h.bind(t, f)

	release := h.store.blockPuts()
	first := make(chan error, 1)
	second := make(chan error, 1)
	require.NoError(t, h.reg.Tell(h.id(), &Input{
		FieldID:  f.ID,
		Values:   map[string]*ArgumentEntry{"a": SingleValue(1, 1), "b": SingleValue(1, 1)},
		Callback: func(err error) { first <- err },
	}))
	require.NoError(t, h.reg.Tell(h.id(), &Input{
		FieldID:  f.ID,
		Values:   map[string]*ArgumentEntry{"b": SingleValue(2, 10)},
		Callback: func(err error) { second <- err },
	}))

	require.Eventually(t, func() bool {
		s, err := h.reg.Inspect(context.Background(), h.id())
		if err != nil {
			return false
		}
		snap := s.State.(Snapshot)
		return snap.Busy && snap.Stashed == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	results := h.notifier.all()
	require.Len(t, results, 2)
	assert.Equal(t, 2.0, results[0].Values["total"])
	assert.Equal(t, 11.0, results[1].Values["total"])
}

// TestScheduledRefreshInterval tests that a tick 9 minutes after evaluation is ignored and one after 11 refreshes
func TestScheduledRefreshInterval(t *testing.T) {
	h := newHarness(t, true)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	h.bind(t, f)
	h.dynamic.On("Fetch", f.ID).Return(map[string]*ArgumentEntry{}, nil)

	start := h.clock.Now()
	require.NoError(t, h.input(t, f.ID, zoneArgs(50.4730, 30.5050)))
	state := h.snapshot(t).Fields[f.ID].State.(*GeofencingState)
	require.Equal(t, start.UnixMilli(), state.LastScheduledRefreshTs)

	h.clock.Advance(9 * time.Minute)
	require.NoError(t, h.reg.Tell(h.id(), RefreshTick{Now: h.clock.Now(), FieldIDs: []uuid.UUID{f.ID}}))
	h.barrier(t, f.ID)
	h.dynamic.AssertNumberOfCalls(t, "Fetch", 0)
	state = h.snapshot(t).Fields[f.ID].State.(*GeofencingState)
	assert.Equal(t, start.UnixMilli(), state.LastScheduledRefreshTs)

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.reg.Tell(h.id(), RefreshTick{Now: h.clock.Now(), FieldIDs: []uuid.UUID{f.ID}}))
	h.barrier(t, f.ID)
	h.dynamic.AssertNumberOfCalls(t, "Fetch", 1)
	state = h.snapshot(t).Fields[f.ID].State.(*GeofencingState)
	assert.Equal(t, start.Add(11*time.Minute).UnixMilli(), state.LastScheduledRefreshTs)
}

// TestRefreshTickIdempotent tests that back-to-back ticks mutate state at most once
func TestRefreshTickIdempotent(t *testing.T) {
	h := newHarness(t, true)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	h.bind(t, f)

	// the allowed zone moves away from the entity
	moved := Zone{Polygon: [][2]float64{{10, 10}, {10, 11}, {11, 11}, {11, 10}}}
	h.dynamic.On("Fetch", f.ID).Return(map[string]*ArgumentEntry{
		"allowedZones": GeofencingZones(map[uuid.UUID]Zone{allowedZoneID: moved}),
	}, nil)

	require.NoError(t, h.input(t, f.ID, zoneArgs(50.4730, 30.5050)))
	version := h.snapshot(t).Fields[f.ID].Version

	h.clock.Advance(10 * time.Minute)
	tick := RefreshTick{Now: h.clock.Now(), FieldIDs: []uuid.UUID{f.ID}}
	require.NoError(t, h.reg.Tell(h.id(), tick))
	require.NoError(t, h.reg.Tell(h.id(), tick))
	h.barrier(t, f.ID)

	h.dynamic.AssertNumberOfCalls(t, "Fetch", 1)
	snap := h.snapshot(t).Fields[f.ID]
	assert.Equal(t, version+1, snap.Version)

	results := h.notifier.all()
	require.NotEmpty(t, results)
	assert.Equal(t, "LEFT", results[len(results)-1].Values["allowedZonesEvent"])
}

// TestRefreshTimestampMonotonic tests that ticks from a lagging clock never move the timestamp back
func TestRefreshTimestampMonotonic(t *testing.T) {
	h := newHarness(t, false)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	h.bind(t, f)
	require.NoError(t, h.input(t, f.ID, zoneArgs(50.4730, 30.5050)))

	start := h.clock.Now()
	var last int64
	for _, offset := range []time.Duration{10 * time.Minute, 3 * time.Minute, 25 * time.Minute, -time.Hour, 36 * time.Minute} {
		require.NoError(t, h.reg.Tell(h.id(), RefreshTick{Now: start.Add(offset)}))
		h.barrier(t, f.ID)

		ts := h.snapshot(t).Fields[f.ID].State.(*GeofencingState).LastScheduledRefreshTs
		assert.GreaterOrEqual(t, ts, last)
		last = ts
	}
	assert.Equal(t, start.Add(36*time.Minute).UnixMilli(), last)
}

// TestBindPublishesScheduling tests scheduling notifications on bind, restore and unbind
func TestBindPublishesScheduling(t *testing.T) {
	h := newHarness(t, false)
	geo := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	simple := simpleField(h.tenantID, h.entityID)

	h.bind(t, geo)
	h.bind(t, simple)

	scheduled := h.events.ofType(events.EventFieldScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, geo.ID, scheduled[0].FieldID)
	assert.Equal(t, 10*time.Minute, scheduled[0].Interval)

	h.evict(t)
	h.barrier(t, geo.ID)
	assert.Len(t, h.events.ofType(events.EventFieldScheduled), 2)

	require.NoError(t, h.call(t, func(cb types.Callback) any { return &UnbindField{FieldID: geo.ID, Callback: cb} }))
	unscheduled := h.events.ofType(events.EventFieldUnscheduled)
	require.NotEmpty(t, unscheduled)
	assert.Equal(t, geo.ID, unscheduled[len(unscheduled)-1].FieldID)

	_, err := h.bolt.GetField(context.Background(), h.tenantID, geo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestBindRejectsInvalidField tests that invalid bindings are not stored
func TestBindRejectsInvalidField(t *testing.T) {
	h := newHarness(t, false)
	f := geofencingField(h.tenantID, h.entityID, types.ReportTransitionEventsAndPresenceStatus)
	f.Geofencing.ZoneGroups = nil

	err := h.call(t, func(cb types.Callback) any { return &BindField{Field: f, Callback: cb} })
	assert.True(t, IsValidationError(err))

	_, err = h.bolt.GetField(context.Background(), h.tenantID, f.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestFieldDeletedIdempotent tests repeated field deletion
func TestFieldDeletedIdempotent(t *testing.T) {
	h := newHarness(t, false)
	f := simpleField(h.tenantID, h.entityID)
	h.bind(t, f)
	require.NoError(t, h.input(t, f.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1)}))

	for i := 0; i < 2; i++ {
		require.NoError(t, h.call(t, func(cb types.Callback) any { return &FieldDeleted{FieldID: f.ID, Callback: cb} }))
	}

	assert.NotContains(t, h.snapshot(t).Fields, f.ID)
	_, err := h.bolt.Get(context.Background(), storage.StateKey{TenantID: h.tenantID, EntityID: h.entityID, FieldID: f.ID})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// TestEntityDeleted tests that every state of the entity is removed
func TestEntityDeleted(t *testing.T) {
	h := newHarness(t, false)
	f1 := simpleField(h.tenantID, h.entityID)
	f2 := simpleField(h.tenantID, h.entityID)
	h.bind(t, f1)
	h.bind(t, f2)
	require.NoError(t, h.input(t, f1.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1)}))
	require.NoError(t, h.input(t, f2.ID, map[string]*ArgumentEntry{"a": SingleValue(1, 1)}))

	require.NoError(t, h.call(t, func(cb types.Callback) any { return &EntityDeleted{Callback: cb} }))
	require.NoError(t, h.call(t, func(cb types.Callback) any { return &EntityDeleted{Callback: cb} }))

	assert.Empty(t, h.snapshot(t).Fields)
	count := 0
	require.NoError(t, h.bolt.ForEach(context.Background(), func(storage.StateKey, []byte) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

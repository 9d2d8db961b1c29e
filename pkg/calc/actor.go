package calc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// Config holds calculated-field actor configuration
type Config struct {
	// RetryInitialInterval is the first redelivery delay after a storage failure
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the redelivery delay
	RetryMaxInterval time.Duration
	// MaxRetries bounds redelivery before the caller gets the error
	MaxRetries uint64
	// IOTimeout bounds one store, repository or pipeline call
	IOTimeout time.Duration
}

// DefaultConfig returns the calculated-field actor defaults
func DefaultConfig() Config {
	return Config{
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		MaxRetries:           5,
		IOTimeout:            10 * time.Second,
	}
}

// Deps are the collaborators of calculated-field actors. Store and Fields
// are required.
type Deps struct {
	Store    storage.StateStore
	Fields   FieldRepository
	Notifier Notifier
	Dynamic  DynamicArgumentSource
	Events   EventPublisher
}

type fieldCtx struct {
	field *types.CalculatedField
	eval  evaluator
	state State
}

// Actor owns every calculated-field state of one entity. States are
// restored from the store lazily, on the first message naming a field.
//
// While a store or pipeline call is in flight the actor is busy: new
// messages are stashed and replayed in order once the call completes.
type Actor struct {
	id     types.ActorID
	cfg    Config
	deps   Deps
	ctx    *actor.Context
	fields map[uuid.UUID]*fieldCtx
	busy   string // operation in flight, empty when idle
}

// NewCreator returns the registry creator for calculated-field actors
func NewCreator(deps Deps, cfg Config) actor.Creator {
	def := DefaultConfig()
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}

	return func(id types.ActorID) (actor.Actor, error) {
		if id.Kind != types.KindCalculatedField {
			return nil, fmt.Errorf("calculated field actor cannot own %s", id.Kind)
		}
		if deps.Store == nil || deps.Fields == nil {
			return nil, errors.New("calculated field actor needs a state store and a field repository")
		}
		return &Actor{id: id, cfg: cfg, deps: deps}, nil
	}
}

// Init prepares an empty field table
func (a *Actor) Init(ctx *actor.Context) error {
	a.ctx = ctx
	a.fields = make(map[uuid.UUID]*fieldCtx)
	return nil
}

// Destroy drops the in-memory states; the durable copies stay in the store
func (a *Actor) Destroy(ctx *actor.Context) {
	ctx.Logger().Debug().Int("fields", len(a.fields)).Msg("Calculated field actor stopped")
	a.fields = nil
}

// redeliver wraps a message parked behind a backoff timer
type redeliver struct {
	msg retryable
}

func (r redeliver) Fail(err error) { r.msg.Fail(err) }

// Receive processes one message
func (a *Actor) Receive(ctx *actor.Context, msg any) {
	if r, ok := msg.(redeliver); ok {
		a.busy = ""
		a.handle(ctx, r.msg)
		a.unstashIfIdle(ctx)
		return
	}

	if a.busy != "" {
		ctx.Stash(msg)
		return
	}
	a.handle(ctx, msg)
}

func (a *Actor) handle(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case *Input:
		a.input(ctx, m)
	case RefreshTick:
		a.refresh(ctx, m)
	case *BindField:
		a.bind(ctx, m)
	case *UnbindField:
		a.unbind(ctx, m)
	case *FieldDeleted:
		a.deleteField(ctx, m)
	case *EntityDeleted:
		a.deleteEntity(ctx, m)
	default:
		ctx.Logger().Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Unknown calculated field message")
	}
}

func (a *Actor) unstashIfIdle(ctx *actor.Context) {
	if a.busy == "" {
		ctx.Unstash()
	}
}

// async runs op on the I/O pool and marks the actor busy until then has run
func (a *Actor) async(ctx *actor.Context, op string, fn func(ctx context.Context) (any, error), then func(result any, err error)) {
	a.busy = op
	timeout := a.cfg.IOTimeout
	ctx.Async(func(c context.Context) (any, error) {
		c, cancel := context.WithTimeout(c, timeout)
		defer cancel()
		return fn(c)
	}, func(result any, err error) {
		a.busy = ""
		then(result, err)
		a.unstashIfIdle(ctx)
	})
}

// retryLater parks m behind a backoff timer. The actor stays busy until
// the redelivery so later messages keep their order behind it.
func (a *Actor) retryLater(ctx *actor.Context, m retryable, cause error) {
	if !isTransient(cause) {
		m.Fail(cause)
		return
	}

	bo := m.retryState()
	if *bo == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = a.cfg.RetryInitialInterval
		exp.MaxInterval = a.cfg.RetryMaxInterval
		exp.MaxElapsedTime = 0
		*bo = backoff.WithMaxRetries(exp, a.cfg.MaxRetries)
	}

	delay := (*bo).NextBackOff()
	if delay == backoff.Stop {
		ctx.Logger().Error().Err(cause).Str("message", fmt.Sprintf("%T", m)).Msg("Giving up after repeated storage failures")
		m.Fail(cause)
		return
	}

	ctx.Logger().Warn().Err(cause).Dur("retry_in", delay).Str("message", fmt.Sprintf("%T", m)).Msg("Storage failure, redelivering")
	a.busy = "retry"
	ctx.ScheduleOnce(delay, redeliver{msg: m})
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrFieldNotFound) && !IsValidationError(err)
}

func (a *Actor) stateKey(fieldID uuid.UUID) storage.StateKey {
	return storage.StateKey{TenantID: a.id.TenantID, EntityID: a.id.EntityID, FieldID: fieldID}
}

type restoredField struct {
	field *types.CalculatedField
	state State
}

// ensureLoaded restores the named fields that are not in memory yet, then
// calls then. Fields without a binding are silently skipped.
func (a *Actor) ensureLoaded(ctx *actor.Context, fieldIDs []uuid.UUID, then func(err error)) {
	var need []uuid.UUID
	for _, id := range fieldIDs {
		if _, ok := a.fields[id]; !ok {
			need = append(need, id)
		}
	}
	if len(need) == 0 {
		then(nil)
		return
	}

	logger := ctx.Logger()
	a.async(ctx, "restore", func(c context.Context) (any, error) {
		var restored []restoredField
		for _, id := range need {
			field, err := a.deps.Fields.GetField(c, a.id.TenantID, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if field.EntityID != a.id.EntityID {
				continue
			}

			state, err := a.loadState(c, id)
			if err != nil {
				return nil, err
			}
			if state == nil {
				logger.Debug().Str("field_id", id.String()).Msg("No persisted state, starting empty")
			}
			restored = append(restored, restoredField{field: field, state: state})
		}
		return restored, nil
	}, func(result any, err error) {
		if err != nil {
			then(err)
			return
		}
		for _, rf := range result.([]restoredField) {
			a.install(ctx, rf.field, rf.state)
		}
		then(nil)
	})
}

// loadState reads and decodes a persisted state. It runs on the I/O pool.
// A missing or undecodable state yields nil.
func (a *Actor) loadState(c context.Context, fieldID uuid.UUID) (State, error) {
	data, err := a.deps.Store.Get(c, a.stateKey(fieldID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state, err := DecodeState(data)
	if err != nil {
		a.ctx.Logger().Error().Err(err).Str("field_id", fieldID.String()).Msg("Discarding undecodable state")
		return nil, nil
	}
	return state, nil
}

// install puts a field in memory, keeping state when its variant matches
func (a *Actor) install(ctx *actor.Context, field *types.CalculatedField, state State) bool {
	eval, err := compile(field)
	if err != nil {
		ctx.Logger().Error().Err(err).Str("field_id", field.ID.String()).Msg("Failed to compile calculated field")
		return false
	}

	if state == nil || state.Kind() != field.Type {
		state, err = NewState(field)
		if err != nil {
			ctx.Logger().Error().Err(err).Str("field_id", field.ID.String()).Msg("Failed to create state")
			return false
		}
	}

	for name := range state.Base().Arguments {
		if _, ok := field.Arguments[name]; !ok {
			delete(state.Base().Arguments, name)
		}
	}
	if gs, ok := state.(*GeofencingState); ok {
		gs.RefreshInterval = field.ScheduledUpdateInterval
	}

	a.fields[field.ID] = &fieldCtx{field: field, eval: eval, state: state}
	if field.HasDynamicArguments() {
		a.publish(events.EventFieldScheduled, field.ID, field.ScheduledUpdateInterval)
	}
	return true
}

func (a *Actor) publish(t events.EventType, fieldID uuid.UUID, interval time.Duration) {
	if a.deps.Events == nil {
		return
	}
	a.deps.Events.Publish(&events.Event{
		Type:     t,
		TenantID: a.id.TenantID,
		EntityID: a.id.EntityID,
		FieldID:  fieldID,
		Interval: interval,
	})
}

// drop removes a field from memory and deregisters it from scheduling
func (a *Actor) drop(fieldID uuid.UUID) {
	delete(a.fields, fieldID)
	a.publish(events.EventFieldUnscheduled, fieldID, 0)
}

// Inputs

func (a *Actor) input(ctx *actor.Context, m *Input) {
	a.ensureLoaded(ctx, []uuid.UUID{m.FieldID}, func(err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}

		fc, ok := a.fields[m.FieldID]
		if !ok {
			m.Callback.Call(fmt.Errorf("field %s: %w", m.FieldID, ErrFieldNotFound))
			return
		}
		a.apply(ctx, fc, m)
	})
}

func (a *Actor) apply(ctx *actor.Context, fc *fieldCtx, m *Input) {
	fieldType := string(fc.field.Type)
	if err := validateEntries(fc.field, m.Values); err != nil {
		metrics.CFEvaluationsTotal.WithLabelValues(fieldType, "invalid").Inc()
		m.Callback.Call(err)
		return
	}

	next := fc.state.Clone()
	argsChanged, err := next.Base().apply(m.Values)
	if err != nil {
		metrics.CFEvaluationsTotal.WithLabelValues(fieldType, "invalid").Inc()
		m.Callback.Call(err)
		return
	}

	now := ctx.Now()
	var out outcome
	ready := next.Base().ready(fc.field)
	if ready {
		out, err = fc.eval.evaluate(next, now)
		if err != nil {
			metrics.CFEvaluationsTotal.WithLabelValues(fieldType, "error").Inc()
			m.Callback.Call(err)
			return
		}
		if out.Changed {
			next.Base().Result = out.Result
		}
		metrics.CFEvaluationsTotal.WithLabelValues(fieldType, "ok").Inc()
	}

	if !argsChanged && !out.Changed && !fc.field.AlwaysPersist {
		m.Callback.Call(nil)
		return
	}

	var emit map[string]any
	if ready && (out.Changed || fc.field.AlwaysPersist) && len(out.Result) > 0 {
		emit = out.Result
	}

	a.persist(ctx, []pendingWrite{{fc: fc, next: next, emit: emit}}, now, func(err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}
		m.Callback.Call(nil)
	})
}

type pendingWrite struct {
	fc   *fieldCtx
	next State
	emit map[string]any
}

// persist writes the candidate states, hands their results to the
// pipeline, and commits them in memory only when every call succeeded
func (a *Actor) persist(ctx *actor.Context, writes []pendingWrite, now time.Time, done func(err error)) {
	type encoded struct {
		key    storage.StateKey
		data   []byte
		result *Result
	}

	batch := make([]encoded, 0, len(writes))
	for _, w := range writes {
		base := w.next.Base()
		base.Version = w.fc.state.Base().Version + 1
		base.LastUpdateTs = now.UnixMilli()

		data, err := EncodeState(w.next)
		if err != nil {
			done(err)
			return
		}

		e := encoded{key: a.stateKey(w.fc.field.ID), data: data}
		if w.emit != nil {
			e.result = &Result{
				TenantID:  a.id.TenantID,
				EntityID:  a.id.EntityID,
				FieldID:   w.fc.field.ID,
				FieldName: w.fc.field.Name,
				Type:      w.fc.field.Output.Type,
				Scope:     w.fc.field.Output.Scope,
				Values:    w.emit,
				Ts:        base.LastUpdateTs,
				Version:   base.Version,
			}
		}
		batch = append(batch, e)
	}

	timer := metrics.NewTimer()
	a.async(ctx, "persist", func(c context.Context) (any, error) {
		for _, e := range batch {
			if err := a.deps.Store.Put(c, e.key, e.data); err != nil {
				return nil, err
			}
		}
		if a.deps.Notifier == nil {
			return nil, nil
		}
		for _, e := range batch {
			if e.result == nil {
				continue
			}
			if err := a.deps.Notifier.Notify(c, *e.result); err != nil {
				return nil, fmt.Errorf("failed to notify pipeline: %w", err)
			}
		}
		return nil, nil
	}, func(_ any, err error) {
		timer.ObserveDuration(metrics.CFPersistDuration)
		if err != nil {
			metrics.CFPersistTotal.WithLabelValues("failed").Inc()
			done(err)
			return
		}
		metrics.CFPersistTotal.WithLabelValues("ok").Inc()
		for _, w := range writes {
			w.fc.state = w.next
		}
		done(nil)
	})
}

// Scheduled refresh

func (a *Actor) refresh(ctx *actor.Context, tick RefreshTick) {
	now := tick.Now
	if now.IsZero() {
		now = ctx.Now()
	}

	ids := tick.FieldIDs
	if len(ids) == 0 {
		ids = a.loadedFieldIDs()
	}

	a.ensureLoaded(ctx, ids, func(err error) {
		if err != nil {
			// the refresh stays due and the next tick tries again
			ctx.Logger().Warn().Err(err).Msg("Failed to restore fields for scheduled refresh")
			return
		}

		var due []*fieldCtx
		for _, id := range ids {
			fc, ok := a.fields[id]
			if !ok {
				// binding is gone; stop the scheduler from asking again
				a.publish(events.EventFieldUnscheduled, id, 0)
				continue
			}
			if gs, ok := fc.state.(*GeofencingState); ok && gs.RefreshDue(now) {
				due = append(due, fc)
			}
		}
		if len(due) == 0 {
			return
		}

		if a.deps.Dynamic == nil {
			a.reevaluate(ctx, due, nil, now)
			return
		}

		fields := make([]*types.CalculatedField, len(due))
		for i, fc := range due {
			fields[i] = fc.field
		}
		a.async(ctx, "fetch", func(c context.Context) (any, error) {
			values := make(map[uuid.UUID]map[string]*ArgumentEntry, len(fields))
			for _, f := range fields {
				v, err := a.deps.Dynamic.Fetch(c, f)
				if err != nil {
					return nil, fmt.Errorf("failed to fetch dynamic arguments of %s: %w", f.ID, err)
				}
				values[f.ID] = v
			}
			return values, nil
		}, func(result any, err error) {
			if err != nil {
				ctx.Logger().Warn().Err(err).Msg("Scheduled refresh skipped")
				return
			}
			a.reevaluate(ctx, due, result.(map[uuid.UUID]map[string]*ArgumentEntry), now)
		})
	})
}

func (a *Actor) loadedFieldIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.fields))
	for id := range a.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// reevaluate recomputes membership of due fields. Fields whose membership
// is unchanged commit the advanced refresh timestamp in memory; the rest
// are persisted first.
func (a *Actor) reevaluate(ctx *actor.Context, due []*fieldCtx, dynamic map[uuid.UUID]map[string]*ArgumentEntry, now time.Time) {
	var writes []pendingWrite
	for _, fc := range due {
		next := fc.state.Clone().(*GeofencingState)

		if values := dynamic[fc.field.ID]; len(values) > 0 {
			if err := validateEntries(fc.field, values); err != nil {
				ctx.Logger().Warn().Err(err).Str("field_id", fc.field.ID.String()).Msg("Ignoring invalid dynamic arguments")
			} else if _, err := next.apply(values); err != nil {
				ctx.Logger().Warn().Err(err).Str("field_id", fc.field.ID.String()).Msg("Ignoring invalid dynamic arguments")
			}
		}

		var out outcome
		if next.ready(fc.field) {
			var err error
			out, err = fc.eval.evaluate(next, now)
			if err != nil {
				metrics.CFEvaluationsTotal.WithLabelValues(string(fc.field.Type), "error").Inc()
				ctx.Logger().Warn().Err(err).Str("field_id", fc.field.ID.String()).Msg("Scheduled evaluation failed")
			} else {
				metrics.CFEvaluationsTotal.WithLabelValues(string(fc.field.Type), "ok").Inc()
			}
		}
		next.markRefreshed(now)

		if !out.Changed {
			fc.state = next
			continue
		}

		next.Result = out.Result
		var emit map[string]any
		if len(out.Result) > 0 {
			emit = out.Result
		}
		writes = append(writes, pendingWrite{fc: fc, next: next, emit: emit})
	}

	if len(writes) == 0 {
		return
	}
	a.persist(ctx, writes, now, func(err error) {
		if err != nil {
			ctx.Logger().Warn().Err(err).Int("fields", len(writes)).Msg("Failed to persist scheduled refresh")
		}
	})
}

// Bindings

func (a *Actor) bind(ctx *actor.Context, m *BindField) {
	if err := ValidateField(m.Field); err != nil {
		m.Callback.Call(err)
		return
	}
	if m.Field.TenantID != a.id.TenantID || m.Field.EntityID != a.id.EntityID {
		m.Callback.Call(validationf("Calculated field %s belongs to entity %s, not %s", m.Field.ID, m.Field.EntityID, a.id.EntityID))
		return
	}

	field := *m.Field
	_, loaded := a.fields[field.ID]
	a.async(ctx, "bind", func(c context.Context) (any, error) {
		if err := a.deps.Fields.SaveField(c, &field); err != nil {
			return nil, err
		}
		if loaded {
			return nil, nil
		}
		return a.loadState(c, field.ID)
	}, func(result any, err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}

		var state State
		if fc, ok := a.fields[field.ID]; ok {
			state = fc.state
		} else if result != nil {
			state = result.(State)
		}

		if !a.install(ctx, &field, state) {
			m.Callback.Call(validationf("Calculated field %s cannot be compiled", field.ID))
			return
		}
		if !field.HasDynamicArguments() {
			a.publish(events.EventFieldUnscheduled, field.ID, 0)
		}
		a.publish(events.EventFieldBound, field.ID, field.ScheduledUpdateInterval)
		m.Callback.Call(nil)
	})
}

func (a *Actor) unbind(ctx *actor.Context, m *UnbindField) {
	key := a.stateKey(m.FieldID)
	tenantID := a.id.TenantID
	a.async(ctx, "unbind", func(c context.Context) (any, error) {
		if err := a.deps.Fields.DeleteField(c, tenantID, m.FieldID); err != nil {
			return nil, err
		}
		return nil, a.deps.Store.Delete(c, key)
	}, func(_ any, err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}
		a.drop(m.FieldID)
		a.publish(events.EventFieldUnbound, m.FieldID, 0)
		m.Callback.Call(nil)
	})
}

// Deletion

func (a *Actor) deleteField(ctx *actor.Context, m *FieldDeleted) {
	key := a.stateKey(m.FieldID)
	a.async(ctx, "delete", func(c context.Context) (any, error) {
		return nil, a.deps.Store.Delete(c, key)
	}, func(_ any, err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}
		a.drop(m.FieldID)
		m.Callback.Call(nil)
	})
}

func (a *Actor) deleteEntity(ctx *actor.Context, m *EntityDeleted) {
	tenantID, entityID := a.id.TenantID, a.id.EntityID
	a.async(ctx, "delete", func(c context.Context) (any, error) {
		return nil, a.deps.Store.DeleteEntity(c, tenantID, entityID)
	}, func(_ any, err error) {
		if err != nil {
			a.retryLater(ctx, m, err)
			return
		}
		for _, id := range a.loadedFieldIDs() {
			delete(a.fields, id)
		}
		// a nil field id deregisters the whole entity
		a.publish(events.EventFieldUnscheduled, uuid.Nil, 0)
		m.Callback.Call(nil)
	})
}

// Introspection

// FieldSummary is the read-only view of one field state
type FieldSummary struct {
	Name      string          `json:"name"`
	Type      types.FieldType `json:"type"`
	Ready     bool            `json:"ready"`
	Scheduled bool            `json:"scheduled"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updatedAt"`
	State     State           `json:"state"`
}

// Snapshot is the read-only view of a calculated-field actor
type Snapshot struct {
	Fields    map[uuid.UUID]FieldSummary `json:"fields"`
	Stashed   int                        `json:"stashed"`
	Busy      bool                       `json:"busy"`
	Operation string                     `json:"operation,omitempty"`
}

// Inspect implements actor.Inspectable
func (a *Actor) Inspect() any {
	snap := Snapshot{
		Fields:    make(map[uuid.UUID]FieldSummary, len(a.fields)),
		Busy:      a.busy != "",
		Operation: a.busy,
	}
	if a.ctx != nil {
		snap.Stashed = a.ctx.StashLen()
	}
	for id, fc := range a.fields {
		base := fc.state.Base()
		snap.Fields[id] = FieldSummary{
			Name:      fc.field.Name,
			Type:      fc.field.Type,
			Ready:     base.ready(fc.field),
			Scheduled: fc.field.HasDynamicArguments(),
			Version:   base.Version,
			UpdatedAt: base.LastUpdateTs,
			State:     fc.state.Clone(),
		}
	}
	return snap
}

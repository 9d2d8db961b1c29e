package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Config holds registry configuration
type Config struct {
	// Workers bounds how many actors process messages at the same time
	Workers int
	// IOWorkers bounds concurrent Async operations
	IOWorkers int
	// Throughput is the number of messages a worker processes for one actor
	// before yielding
	Throughput int
	// MailboxLimit bounds the regular and low-priority lanes; 0 is unbounded
	MailboxLimit int
	// IdleTimeout evicts actors without activity; 0 disables idle eviction
	IdleTimeout time.Duration
	// IdleCheckInterval is the idle sweeper period
	IdleCheckInterval time.Duration
	// Clock drives idle accounting and Context.Now
	Clock types.Clock
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU() * 4,
		IOWorkers:         64,
		Throughput:        32,
		MailboxLimit:      10000,
		IdleTimeout:       30 * time.Minute,
		IdleCheckInterval: time.Minute,
		Clock:             types.SystemClock,
	}
}

// Registry maps ActorIDs to live actors. It creates actors lazily on the
// first message and runs them on a shared, bounded worker pool.
type Registry struct {
	cfg      Config
	clock    types.Clock
	creators map[types.EntityKind]Creator
	logger   zerolog.Logger

	cells      cmap.ConcurrentMap[string, *cell]
	tombstones cmap.ConcurrentMap[string, time.Time]
	// admission is held shared while a cell is registered and exclusively
	// while a tenant is tombstoned
	admission sync.RWMutex

	workers *semaphore.Weighted
	io      *semaphore.Weighted

	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   *atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry creates a registry. Zero config values fall back to defaults.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.IOWorkers <= 0 {
		cfg.IOWorkers = def.IOWorkers
	}
	if cfg.Throughput <= 0 {
		cfg.Throughput = def.Throughput
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = def.IdleCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		clock:      cfg.Clock,
		creators:   make(map[types.EntityKind]Creator),
		logger:     log.WithComponent("registry"),
		cells:      cmap.New[*cell](),
		tombstones: cmap.New[time.Time](),
		workers:    semaphore.NewWeighted(int64(cfg.Workers)),
		io:         semaphore.NewWeighted(int64(cfg.IOWorkers)),
		runCtx:     ctx,
		runCancel:  cancel,
		stopped:    atomic.NewBool(false),
		stopCh:     make(chan struct{}),
	}
}

// RegisterKind installs the creator for an actor kind. It must be called
// before the first message for that kind.
func (r *Registry) RegisterKind(kind types.EntityKind, creator Creator) {
	r.creators[kind] = creator
}

// Start launches the idle sweeper
func (r *Registry) Start() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	r.wg.Add(1)
	go r.sweep()
}

// Stop evicts every actor and waits until they drained or ctx expires
func (r *Registry) Stop(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCh)
	defer r.wg.Wait()
	defer r.runCancel()

	for _, done := range r.EvictWhere(nil) {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("failed to drain actors: %w", ctx.Err())
		}
	}
	return nil
}

// Tell routes msg to the actor's mailbox, creating the actor if absent.
// It never waits for the message to be processed.
func (r *Registry) Tell(id types.ActorID, msg any) error {
	return r.tell(id, msg, laneRegular)
}

// TellPriority routes msg ahead of regular traffic
func (r *Registry) TellPriority(id types.ActorID, msg any) error {
	return r.tell(id, msg, laneSystem)
}

// TellLow routes msg behind all regular traffic
func (r *Registry) TellLow(id types.ActorID, msg any) error {
	return r.tell(id, msg, laneLow)
}

// TellExisting routes msg only if the actor is already live
func (r *Registry) TellExisting(id types.ActorID, msg any) error {
	c, ok := r.cells.Get(id.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	err := c.enqueue(msg, laneRegular)
	if errors.Is(err, errCellGone) {
		return fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	return err
}

func (r *Registry) tell(id types.ActorID, msg any, l lane) error {
	if r.stopped.Load() {
		return ErrRegistryStopped
	}

	for attempt := 0; attempt < 3; attempt++ {
		c, created, err := r.admit(id)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if created {
			return r.start(c, msg, l)
		}

		err = c.enqueue(msg, l)
		if errors.Is(err, errCellGone) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %s", ErrActorStopping, id)
}

// admit returns the live cell for id, registering a new one if absent.
// The tombstone check and the registration are atomic with DeleteTenant:
// once DeleteTenant returned, Actors lists every cell of the tenant and no
// new one can appear. A nil cell means another producer won the race.
func (r *Registry) admit(id types.ActorID) (*cell, bool, error) {
	r.admission.RLock()
	defer r.admission.RUnlock()

	if r.TenantDeleted(id.TenantID) {
		return nil, false, fmt.Errorf("%w: %s", ErrTenantDeleted, id.TenantID)
	}

	key := id.String()
	if c, ok := r.cells.Get(key); ok {
		return c, false, nil
	}
	c := newCell(r, id)
	if !r.cells.SetIfAbsent(key, c) {
		return nil, false, nil
	}
	return c, true, nil
}

// start initializes a freshly registered cell and enqueues its first
// message. Messages other producers queued meanwhile are failed when
// initialization does not succeed.
func (r *Registry) start(c *cell, msg any, l lane) error {
	kind := string(c.id.Kind)
	if err := r.instantiate(c); err != nil {
		r.logger.Warn().Err(err).Str("actor_id", c.key).Msg("Actor initialization failed")
		metrics.ActorInitFailuresTotal.WithLabelValues(kind).Inc()
		initErr := fmt.Errorf("%w: %s: %v", ErrActorInit, c.key, err)
		c.terminate(reasonInitFailed, initErr)
		return initErr
	}

	metrics.ActorsCreatedTotal.WithLabelValues(kind).Inc()

	err := c.enqueue(msg, l)
	c.release()
	return err
}

func (r *Registry) instantiate(c *cell) error {
	creator, ok := r.creators[c.id.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, c.id.Kind)
	}

	a, err := creator(c.id)
	if err != nil {
		return err
	}

	ctx := newContext(c, c.gen)
	if err := safeInit(a, ctx); err != nil {
		return err
	}

	c.actor, c.ctx = a, ctx
	if !c.active {
		c.active = true
		metrics.ActorsActive.WithLabelValues(string(c.id.Kind)).Inc()
	}
	return nil
}

func (r *Registry) dispatch(c *cell) {
	go func() {
		if err := r.workers.Acquire(r.runCtx, 1); err != nil {
			c.scheduled.Store(false)
			return
		}
		defer r.workers.Release(1)
		c.run()
	}()
}

func (r *Registry) runIO(op func(ctx context.Context) (any, error)) (any, error) {
	if err := r.io.Acquire(r.runCtx, 1); err != nil {
		return nil, fmt.Errorf("io pool unavailable: %w", err)
	}
	defer r.io.Release(1)
	return op(r.runCtx)
}

// Evict stops the actor from accepting new work. It is removed once its
// mailbox and outstanding I/O drained; the returned channel closes then.
func (r *Registry) Evict(id types.ActorID) (<-chan struct{}, bool) {
	c, ok := r.cells.Get(id.String())
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	first := !c.stopping
	c.stopping = true
	c.mu.Unlock()

	if first {
		c.post(stopSignal{})
	}
	return c.done, true
}

// EvictWhere evicts every actor matching filter; a nil filter matches all
func (r *Registry) EvictWhere(filter func(types.ActorID) bool) []<-chan struct{} {
	var done []<-chan struct{}
	for _, id := range r.Actors(filter) {
		if ch, ok := r.Evict(id); ok {
			done = append(done, ch)
		}
	}
	return done
}

// Lookup reports whether an actor is live for id
func (r *Registry) Lookup(id types.ActorID) bool {
	return r.cells.Has(id.String())
}

// Actors lists live actor ids matching filter; a nil filter matches all
func (r *Registry) Actors(filter func(types.ActorID) bool) []types.ActorID {
	var ids []types.ActorID
	for item := range r.cells.IterBuffered() {
		if filter == nil || filter(item.Val.id) {
			ids = append(ids, item.Val.id)
		}
	}
	return ids
}

// Count returns the number of live actors
func (r *Registry) Count() int {
	return r.cells.Count()
}

// CountByKind returns the number of live actors per kind
func (r *Registry) CountByKind() map[types.EntityKind]int {
	counts := make(map[types.EntityKind]int)
	for item := range r.cells.IterBuffered() {
		counts[item.Val.id.Kind]++
	}
	return counts
}

// Inspect returns a snapshot of the actor taken from inside its mailbox,
// so it reflects every message enqueued before the call.
func (r *Registry) Inspect(ctx context.Context, id types.ActorID) (Snapshot, error) {
	c, ok := r.cells.Get(id.String())
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}

	q := inspectQuery{reply: make(chan Snapshot, 1)}
	if !c.postInOrder(q) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}

	select {
	case s, ok := <-q.reply:
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrActorNotFound, id)
		}
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// DeleteTenant tombstones a tenant. New messages for its actors are
// rejected with ErrTenantDeleted; eviction is left to the caller. Every
// actor of the tenant is listed by Actors once DeleteTenant returns.
func (r *Registry) DeleteTenant(tenantID uuid.UUID) {
	r.admission.Lock()
	defer r.admission.Unlock()
	r.tombstones.SetIfAbsent(tenantID.String(), r.clock.Now())
}

// TenantDeleted reports whether a tenant was tombstoned
func (r *Registry) TenantDeleted(tenantID uuid.UUID) bool {
	return r.tombstones.Has(tenantID.String())
}

// SweepIdle posts an idle check to every actor without activity for
// IdleTimeout and returns how many were checked
func (r *Registry) SweepIdle() int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}

	now := r.clock.Now()
	checked := 0
	for item := range r.cells.IterBuffered() {
		c := item.Val
		if now.Sub(c.lastActive.Load()) >= r.cfg.IdleTimeout && c.post(idleCheck{}) {
			checked++
		}
	}
	return checked
}

func (r *Registry) sweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.SweepIdle(); n > 0 {
				r.logger.Debug().Int("actors", n).Msg("Idle check posted")
			}
		case <-r.stopCh:
			return
		}
	}
}

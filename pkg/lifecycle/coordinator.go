package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Config holds lifecycle coordinator configuration
type Config struct {
	// PollInterval is how often due tasks are picked up without a wake-up
	PollInterval time.Duration
	// TaskTimeout bounds one attempt, including waiting for evicted actors
	TaskTimeout time.Duration
	// MaxAttempts is the number of attempts before a task is dead-lettered
	MaxAttempts int
	// RetryInitialInterval and RetryMaxInterval shape the retry backoff
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns the lifecycle defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:         time.Second,
		TaskTimeout:          30 * time.Second,
		MaxAttempts:          5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
	}
}

// Registry is the part of the actor registry the coordinator drives
type Registry interface {
	TellExisting(id types.ActorID, msg any) error
	Actors(filter func(types.ActorID) bool) []types.ActorID
	Evict(id types.ActorID) (<-chan struct{}, bool)
	DeleteTenant(tenantID uuid.UUID)
	TenantDeleted(tenantID uuid.UUID) bool
}

// FieldCleaner removes calculated-field bindings of deleted entities
type FieldCleaner interface {
	DeleteFieldsByEntity(ctx context.Context, tenantID, entityID uuid.UUID) error
	DeleteFieldsByTenant(ctx context.Context, tenantID uuid.UUID) error
}

// EventPublisher receives deletion notifications
type EventPublisher interface {
	Publish(event *events.Event)
}

// Status is the read-only view of the housekeeper queue
type Status struct {
	Lag         int                     `json:"lag"`
	Drained     bool                    `json:"drained"`
	DeadLetters int64                   `json:"dead_letters"`
	Tasks       []types.HousekeeperTask `json:"tasks"`
}

// Coordinator turns entity and tenant deletions into durable housekeeper
// tasks and runs them until every actor is gone and every durable record
// is removed.
type Coordinator struct {
	reg    Registry
	store  storage.StateStore
	fields FieldCleaner
	queue  storage.TaskQueue
	events EventPublisher
	clock  types.Clock
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*types.HousekeeperTask
	retries map[uuid.UUID]backoff.BackOff

	deadLetters atomic.Int64

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator creates a lifecycle coordinator. fields and publisher may
// be nil.
func NewCoordinator(reg Registry, store storage.StateStore, fields FieldCleaner, queue storage.TaskQueue, publisher EventPublisher, clock types.Clock, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	if clock == nil {
		clock = types.SystemClock
	}

	return &Coordinator{
		reg:     reg,
		store:   store,
		fields:  fields,
		queue:   queue,
		events:  publisher,
		clock:   clock,
		cfg:     cfg,
		logger:  log.WithComponent("lifecycle"),
		pending: make(map[uuid.UUID]*types.HousekeeperTask),
		retries: make(map[uuid.UUID]backoff.BackOff),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start recovers tasks left over from a previous run and begins the
// processing loop
func (c *Coordinator) Start() error {
	tasks, err := c.queue.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to recover housekeeper tasks: %w", err)
	}

	c.mu.Lock()
	for _, task := range tasks {
		c.pending[task.ID] = task
		if task.Type == types.TaskDeleteTenant {
			c.reg.DeleteTenant(task.TenantID)
		}
	}
	c.updateLag()
	c.mu.Unlock()

	if len(tasks) > 0 {
		c.logger.Info().Int("tasks", len(tasks)).Msg("Recovered housekeeper tasks")
	}

	c.wg.Add(1)
	go c.run()
	c.wake()
	return nil
}

// Stop stops the processing loop. Unfinished tasks stay in the queue.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// DeleteEntity schedules the cleanup of every actor and durable record of
// an entity
func (c *Coordinator) DeleteEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.reg.TenantDeleted(tenantID) {
		// the tenant task covers the entity
		return nil
	}
	return c.enqueue(types.TaskEvictEntity, tenantID, entityID, events.EventEntityDeleted)
}

// DeleteTenant tombstones a tenant and schedules the cleanup of all its
// actors and durable records. Deleting a tenant twice is a no-op.
func (c *Coordinator) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.reg.TenantDeleted(tenantID) {
		return nil
	}
	c.reg.DeleteTenant(tenantID)
	return c.enqueue(types.TaskDeleteTenant, tenantID, uuid.Nil, events.EventTenantDeleted)
}

func (c *Coordinator) enqueue(taskType types.HousekeeperTaskType, tenantID, entityID uuid.UUID, eventType events.EventType) error {
	now := c.clock.Now()
	task := &types.HousekeeperTask{
		ID:            uuid.New(),
		Type:          taskType,
		TenantID:      tenantID,
		EntityID:      entityID,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := c.queue.EnqueueTask(task); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", taskType, err)
	}

	c.mu.Lock()
	c.pending[task.ID] = task
	c.updateLag()
	c.mu.Unlock()

	metrics.HousekeeperTasksTotal.WithLabelValues(string(taskType), "accepted").Inc()
	c.logger.Info().
		Str("task_id", task.ID.String()).
		Str("type", string(taskType)).
		Str("tenant_id", tenantID.String()).
		Str("entity_id", entityID.String()).
		Msg("Housekeeper task accepted")

	if c.events != nil {
		c.events.Publish(&events.Event{
			Type:     eventType,
			TenantID: tenantID,
			EntityID: entityID,
			Metadata: map[string]string{"task_id": task.ID.String()},
		})
	}
	c.wake()
	return nil
}

func (c *Coordinator) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// run is the main processing loop
func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.wakeCh:
			c.ProcessDue()
		case <-ticker.C:
			c.ProcessDue()
		case <-c.stopCh:
			return
		}
	}
}

// ProcessDue runs every task whose next attempt is due, oldest first, and
// returns how many completed
func (c *Coordinator) ProcessDue() int {
	now := c.clock.Now()

	c.mu.Lock()
	var due []*types.HousekeeperTask
	for _, task := range c.pending {
		if !task.NextAttemptAt.After(now) {
			t := *task
			due = append(due, &t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	completed := 0
	for _, task := range due {
		select {
		case <-c.stopCh:
			return completed
		default:
		}
		if c.attempt(task) {
			completed++
		}
	}
	return completed
}

func (c *Coordinator) attempt(task *types.HousekeeperTask) bool {
	logger := c.logger.With().
		Str("task_id", task.ID.String()).
		Str("type", string(task.Type)).
		Str("tenant_id", task.TenantID.String()).
		Logger()

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TaskTimeout)
	err := c.execute(ctx, task)
	cancel()
	timer.ObserveDurationVec(metrics.HousekeeperTaskDuration, string(task.Type))

	if err == nil {
		if rmErr := c.queue.RemoveTask(task.ID); rmErr != nil {
			// the task is idempotent; a rerun after restart is harmless
			logger.Warn().Err(rmErr).Msg("Failed to remove completed housekeeper task")
		}
		c.finish(task.ID)
		metrics.HousekeeperTasksTotal.WithLabelValues(string(task.Type), "completed").Inc()
		logger.Info().Dur("duration", timer.Duration()).Msg("Housekeeper task completed")
		return true
	}

	task.Attempts++
	task.LastError = err.Error()

	if task.Attempts >= c.cfg.MaxAttempts {
		if rmErr := c.queue.RemoveTask(task.ID); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to remove dead-lettered housekeeper task")
		}
		c.finish(task.ID)
		c.deadLetters.Inc()
		metrics.HousekeeperTasksTotal.WithLabelValues(string(task.Type), "dead_letter").Inc()
		logger.Error().Err(err).Int("attempts", task.Attempts).Msg("Housekeeper task dead-lettered")
		return false
	}

	c.mu.Lock()
	bo, ok := c.retries[task.ID]
	if !ok {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = c.cfg.RetryInitialInterval
		exp.MaxInterval = c.cfg.RetryMaxInterval
		exp.MaxElapsedTime = 0
		bo = exp
		c.retries[task.ID] = bo
	}
	task.NextAttemptAt = c.clock.Now().Add(bo.NextBackOff())
	if _, ok := c.pending[task.ID]; ok {
		c.pending[task.ID] = task
	}
	c.mu.Unlock()

	if upErr := c.queue.UpdateTask(task); upErr != nil {
		logger.Warn().Err(upErr).Msg("Failed to update housekeeper task")
	}
	metrics.HousekeeperTasksTotal.WithLabelValues(string(task.Type), "retry").Inc()
	logger.Warn().Err(err).Int("attempts", task.Attempts).Time("next_attempt", task.NextAttemptAt).Msg("Housekeeper task failed, will retry")
	return false
}

func (c *Coordinator) finish(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	delete(c.retries, id)
	c.updateLag()
}

// updateLag must be called with mu held
func (c *Coordinator) updateLag() {
	metrics.HousekeeperLag.Set(float64(len(c.pending)))
}

func (c *Coordinator) execute(ctx context.Context, task *types.HousekeeperTask) error {
	switch task.Type {
	case types.TaskEvictEntity:
		return c.evictEntity(ctx, task.TenantID, task.EntityID)
	case types.TaskDeleteTenant:
		return c.deleteTenant(ctx, task.TenantID)
	default:
		return fmt.Errorf("unknown housekeeper task type %q", task.Type)
	}
}

func (c *Coordinator) evictEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	ids := c.reg.Actors(func(id types.ActorID) bool {
		return id.TenantID == tenantID && id.EntityID == entityID
	})

	// calculated-field actors drop their states before they go away
	for _, id := range ids {
		if id.Kind != types.KindCalculatedField {
			continue
		}
		if err := c.tellAndWait(ctx, id); err != nil {
			return err
		}
	}

	if err := c.evictAndWait(ctx, ids); err != nil {
		return err
	}
	if err := c.store.DeleteEntity(ctx, tenantID, entityID); err != nil {
		return err
	}
	if c.fields != nil {
		return c.fields.DeleteFieldsByEntity(ctx, tenantID, entityID)
	}
	return nil
}

func (c *Coordinator) deleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	ids := c.reg.Actors(func(id types.ActorID) bool {
		return id.TenantID == tenantID
	})

	if err := c.evictAndWait(ctx, ids); err != nil {
		return err
	}
	if err := c.store.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	if c.fields != nil {
		return c.fields.DeleteFieldsByTenant(ctx, tenantID)
	}
	return nil
}

func (c *Coordinator) tellAndWait(ctx context.Context, id types.ActorID) error {
	done := make(chan error, 1)
	err := c.reg.TellExisting(id, &calc.EntityDeleted{Callback: func(err error) { done <- err }})
	if errors.Is(err, actor.ErrActorNotFound) || errors.Is(err, actor.ErrTenantDeleted) {
		return nil
	}
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		if errors.Is(err, actor.ErrActorStopping) {
			return nil
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", id, ctx.Err())
	}
}

func (c *Coordinator) evictAndWait(ctx context.Context, ids []types.ActorID) error {
	for _, id := range ids {
		done, ok := c.reg.Evict(id)
		if !ok {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for eviction of %s: %w", id, ctx.Err())
		}
	}
	return nil
}

// Lag returns the number of outstanding housekeeper tasks
func (c *Coordinator) Lag() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drained reports whether every accepted deletion has been fully cleaned up
func (c *Coordinator) Drained() bool {
	return c.Lag() == 0
}

// TenantDrained reports whether a deleted tenant has no outstanding task
// and no live actor. Once true it stays true: the tombstone keeps new
// actors of the tenant from being created.
func (c *Coordinator) TenantDrained(tenantID uuid.UUID) bool {
	if !c.reg.TenantDeleted(tenantID) {
		return false
	}

	c.mu.Lock()
	for _, task := range c.pending {
		if task.TenantID == tenantID {
			c.mu.Unlock()
			return false
		}
	}
	c.mu.Unlock()

	return len(c.reg.Actors(func(id types.ActorID) bool { return id.TenantID == tenantID })) == 0
}

// DeadLetters returns the number of tasks dropped after MaxAttempts
func (c *Coordinator) DeadLetters() int64 {
	return c.deadLetters.Load()
}

// Status returns the housekeeper queue view, oldest task first
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	tasks := make([]types.HousekeeperTask, 0, len(c.pending))
	for _, task := range c.pending {
		tasks = append(tasks, *task)
	}
	c.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return Status{
		Lag:         len(tasks),
		Drained:     len(tasks) == 0,
		DeadLetters: c.DeadLetters(),
		Tasks:       tasks,
	}
}

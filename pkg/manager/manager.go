package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/device"
	"github.com/cuemby/fleetd/pkg/dynamic"
	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/lifecycle"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/pipeline"
	"github.com/cuemby/fleetd/pkg/scheduler"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/transport"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager owns every fleetd component and their start/stop order
type Manager struct {
	cfg *config.Config

	bolt      *storage.BoltStore
	state     storage.StateStore
	redis     *redis.Client
	registry  *actor.Registry
	broker    *events.Broker
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Coordinator
	collector *metrics.Collector
	devices   *device.Client

	notifier  *pipeline.NATSNotifier
	transport *transport.MQTTTransport

	logger zerolog.Logger
}

// Options replace collaborators that are otherwise built from the config
type Options struct {
	Clock     types.Clock
	Transport device.Transport
	Notifier  calc.Notifier
	Dynamic   calc.DynamicArgumentSource
}

// NewManager opens storage, connects the configured sinks and builds every
// component. Nothing runs until Start.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock
	}

	ok := false
	defer func() {
		if !ok {
			_ = m.closeSinks()
		}
	}()

	bolt, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	m.bolt = bolt
	m.state = bolt

	if cfg.Storage.Backend == config.BackendRedis {
		m.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		m.state = storage.NewRedisStore(m.redis)
		if opts.Dynamic == nil {
			opts.Dynamic = dynamic.NewRedisSource(m.redis)
		}
	}

	if opts.Notifier == nil {
		if cfg.Pipeline.NATSURL != "" {
			m.notifier, err = pipeline.Connect(pipeline.Config{
				URL:           cfg.Pipeline.NATSURL,
				SubjectPrefix: cfg.Pipeline.SubjectPrefix,
				MaxReconnects: -1,
			})
			if err != nil {
				return nil, err
			}
			opts.Notifier = m.notifier
		} else {
			m.logger.Warn().Msg("No rule pipeline configured, calculated-field results are only logged")
			opts.Notifier = logNotifier(m.logger)
		}
	}

	if opts.Transport == nil {
		if cfg.Transport.MQTTBroker != "" {
			m.transport, err = transport.Dial(transport.Config{
				Broker:      cfg.Transport.MQTTBroker,
				ClientID:    cfg.Transport.ClientID,
				Username:    cfg.Transport.Username,
				Password:    cfg.Transport.Password,
				TopicPrefix: cfg.Transport.TopicPrefix,
				QoS:         cfg.Transport.QoS,
			})
			if err != nil {
				return nil, err
			}
			opts.Transport = m.transport
		} else {
			m.logger.Warn().Msg("No MQTT broker configured, session messages are only logged")
			opts.Transport = logTransport{logger: m.logger}
		}
	}

	m.broker = events.NewBroker()
	m.registry = actor.NewRegistry(actor.Config{
		Workers:           cfg.Actors.Workers,
		IOWorkers:         cfg.Actors.IOWorkers,
		Throughput:        cfg.Actors.Throughput,
		MailboxLimit:      cfg.Actors.MailboxLimit,
		IdleTimeout:       cfg.Actors.IdleTimeout,
		IdleCheckInterval: cfg.Actors.IdleCheckInterval,
		Clock:             opts.Clock,
	})
	m.registry.RegisterKind(types.KindDevice, device.NewCreator(opts.Transport, device.Config{
		DefaultRpcTimeout: cfg.Device.RpcTimeout,
		SessionTimeout:    cfg.Device.SessionTimeout,
		MaxRpcRetries:     cfg.Device.MaxRpcRetries,
		DeliveryTimeout:   cfg.Device.DeliveryTimeout,
	}))
	m.registry.RegisterKind(types.KindCalculatedField, calc.NewCreator(calc.Deps{
		Store:    m.state,
		Fields:   m.bolt,
		Notifier: opts.Notifier,
		Dynamic:  opts.Dynamic,
		Events:   m.broker,
	}, calc.Config{
		RetryInitialInterval: cfg.Calc.RetryInitialInterval,
		RetryMaxInterval:     cfg.Calc.RetryMaxInterval,
		MaxRetries:           cfg.Calc.MaxRetries,
		IOTimeout:            cfg.Calc.IOTimeout,
	}))
	m.devices = device.NewClient(m.registry)

	m.scheduler = scheduler.NewScheduler(m.registry, m.broker, opts.Clock, cfg.Scheduler.Interval)

	lcfg := lifecycle.DefaultConfig()
	if cfg.Lifecycle.PollInterval > 0 {
		lcfg.PollInterval = cfg.Lifecycle.PollInterval
	}
	if cfg.Lifecycle.TaskTimeout > 0 {
		lcfg.TaskTimeout = cfg.Lifecycle.TaskTimeout
	}
	if cfg.Lifecycle.MaxAttempts > 0 {
		lcfg.MaxAttempts = cfg.Lifecycle.MaxAttempts
	}
	m.lifecycle = lifecycle.NewCoordinator(m.registry, m.state, m.bolt, m.bolt, m.broker, opts.Clock, lcfg)

	m.collector = metrics.NewCollector(metrics.Sources{
		Actors:            m.registry,
		HousekeeperLag:    m.lifecycle.Lag,
		ScheduledEntities: m.scheduler.Entities,
		EventSubscribers:  m.broker.SubscriberCount,
		EventsDropped:     m.broker.Dropped,
	}, 0)

	ok = true
	return m, nil
}

// Start runs every component. Housekeeper tasks left by a previous run are
// resumed before the scheduler index is rebuilt from durable state, so
// tombstoned tenants are not scheduled again.
func (m *Manager) Start(ctx context.Context) error {
	m.broker.Start()
	m.registry.Start()
	metrics.RegisterComponent("registry", true, "")

	if err := m.lifecycle.Start(); err != nil {
		metrics.RegisterComponent("housekeeper", false, err.Error())
		return fmt.Errorf("failed to start housekeeper: %w", err)
	}
	metrics.RegisterComponent("housekeeper", true, "")

	restored, err := m.RestoreSchedule(ctx)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("failed to restore schedule: %w", err)
	}
	m.scheduler.Start()
	m.collector.Start()
	m.CheckHealth(ctx)

	m.logger.Info().
		Str("data_dir", m.cfg.DataDir).
		Str("backend", m.cfg.Storage.Backend).
		Int("scheduled_fields", restored).
		Msg("Manager started")
	return nil
}

// RestoreSchedule registers every persisted geofencing state whose field
// still has dynamic arguments with the scheduler. It returns the number of
// fields registered.
func (m *Manager) RestoreSchedule(ctx context.Context) (int, error) {
	var candidates []storage.StateKey
	err := m.state.ForEach(ctx, func(key storage.StateKey, data []byte) error {
		if m.registry.TenantDeleted(key.TenantID) {
			return nil
		}
		state, err := calc.DecodeState(data)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("Skipping unreadable state")
			return nil
		}
		if gs, ok := state.(*calc.GeofencingState); ok && gs.RefreshInterval > 0 {
			candidates = append(candidates, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, key := range candidates {
		field, err := m.bolt.GetField(ctx, key.TenantID, key.FieldID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return restored, err
			}
			continue
		}
		if field.EntityID != key.EntityID || !field.HasDynamicArguments() {
			continue
		}
		m.scheduler.Register(key.TenantID, key.EntityID, key.FieldID)
		restored++
	}
	return restored, nil
}

// CheckHealth refreshes the health of storage and the external sinks
func (m *Manager) CheckHealth(ctx context.Context) {
	storageErr := m.bolt.Ping()
	if storageErr == nil && m.redis != nil {
		storageErr = m.redis.Ping(ctx).Err()
	}
	metrics.ReportComponent("storage", storageErr)

	if m.notifier != nil {
		metrics.ReportComponent("pipeline", m.notifier.Ping())
	}
	if m.transport != nil {
		var err error
		if !m.transport.Connected() {
			err = transport.ErrNotConnected
		}
		metrics.ReportComponent("transport", err)
	}
}

// Registry returns the actor registry
func (m *Manager) Registry() *actor.Registry {
	return m.registry
}

// Actors lists live actors accepted by filter; a nil filter lists all
func (m *Manager) Actors(filter func(types.ActorID) bool) []types.ActorID {
	return m.registry.Actors(filter)
}

// Inspect returns a point-in-time view of one live actor
func (m *Manager) Inspect(ctx context.Context, id types.ActorID) (actor.Snapshot, error) {
	return m.registry.Inspect(ctx, id)
}

// Devices returns the entry point for session traffic
func (m *Manager) Devices() *device.Client {
	return m.devices
}

// Fields returns the calculated-field repository
func (m *Manager) Fields() storage.FieldStore {
	return m.bolt
}

// States returns the calculated-field state store
func (m *Manager) States() storage.StateStore {
	return m.state
}

// Scheduler returns the refresh scheduler
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

// EventBroker returns the internal event broker
func (m *Manager) EventBroker() *events.Broker {
	return m.broker
}

// BindField stores a calculated field and binds it to its entity's actor
func (m *Manager) BindField(ctx context.Context, field *types.CalculatedField) error {
	return m.call(ctx, types.CalculatedFieldActorID(field.TenantID, field.EntityID), func(cb types.Callback) any {
		return &calc.BindField{Field: field, Callback: cb}
	})
}

// UnbindField removes a calculated field, its configuration and its state
func (m *Manager) UnbindField(ctx context.Context, tenantID, entityID, fieldID uuid.UUID) error {
	return m.call(ctx, types.CalculatedFieldActorID(tenantID, entityID), func(cb types.Callback) any {
		return &calc.UnbindField{FieldID: fieldID, Callback: cb}
	})
}

// Input delivers new argument values to one calculated field of an entity
func (m *Manager) Input(ctx context.Context, tenantID, entityID, fieldID uuid.UUID, values map[string]*calc.ArgumentEntry) error {
	return m.call(ctx, types.CalculatedFieldActorID(tenantID, entityID), func(cb types.Callback) any {
		return &calc.Input{FieldID: fieldID, Values: values, Callback: cb}
	})
}

func (m *Manager) call(ctx context.Context, id types.ActorID, build func(types.Callback) any) error {
	done := make(chan error, 1)
	msg := build(func(err error) { done <- err })
	if err := m.registry.Tell(id, msg); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteEntity schedules removal of an entity's actors and state
func (m *Manager) DeleteEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	return m.lifecycle.DeleteEntity(ctx, tenantID, entityID)
}

// DeleteTenant schedules removal of everything a tenant owns
func (m *Manager) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	return m.lifecycle.DeleteTenant(ctx, tenantID)
}

// Drained reports whether no housekeeper work is outstanding
func (m *Manager) Drained() bool {
	return m.lifecycle.Drained()
}

// TenantDrained reports whether a deleted tenant is fully cleaned up
func (m *Manager) TenantDrained(tenantID uuid.UUID) bool {
	return m.lifecycle.TenantDrained(tenantID)
}

// LifecycleStatus returns the housekeeper status
func (m *Manager) LifecycleStatus() lifecycle.Status {
	return m.lifecycle.Status()
}

// Shutdown stops components in reverse start order
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down manager")

	m.collector.Stop()
	m.lifecycle.Stop()
	m.scheduler.Stop()

	err := m.registry.Stop(ctx)

	m.broker.Stop()
	if cerr := m.closeSinks(); err == nil {
		err = cerr
	}
	return err
}

// closeSinks releases connections and storage concurrently
func (m *Manager) closeSinks() error {
	var g errgroup.Group
	if m.notifier != nil {
		g.Go(m.notifier.Close)
	}
	if m.transport != nil {
		g.Go(func() error {
			m.transport.Close()
			return nil
		})
	}
	if m.redis != nil {
		g.Go(m.redis.Close)
	}
	if m.bolt != nil {
		g.Go(m.bolt.Close)
	}
	return g.Wait()
}

// logNotifier stands in for the rule pipeline when none is configured
func logNotifier(logger zerolog.Logger) calc.Notifier {
	return calc.NotifierFunc(func(_ context.Context, r calc.Result) error {
		logger.Debug().
			Str("tenant_id", r.TenantID.String()).
			Str("entity_id", r.EntityID.String()).
			Str("field", r.FieldName).
			Interface("values", r.Values).
			Msg("Calculated field result")
		return nil
	})
}

// logTransport stands in for the session downlink when none is configured
type logTransport struct {
	logger zerolog.Logger
}

func (t logTransport) Deliver(_ context.Context, sessionID uuid.UUID, msg device.ToSessionMsg) error {
	t.logger.Debug().
		Str("session_id", sessionID.String()).
		Str("device_id", msg.DeviceID.String()).
		Str("type", string(msg.Type)).
		Msg("Session message")
	return nil
}

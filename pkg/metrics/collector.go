package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
)

// ActorCounter reports live actors by kind
type ActorCounter interface {
	CountByKind() map[types.EntityKind]int
}

// Sources are the components the collector samples. Nil members are skipped.
type Sources struct {
	Actors            ActorCounter
	HousekeeperLag    func() int
	ScheduledEntities func() int
	EventSubscribers  func() int
	EventsDropped     func() int64
}

// Collector periodically copies component state into gauges, so gauges
// maintained incrementally cannot drift from the components' own counts
type Collector struct {
	sources  Sources
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(sources Sources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()

		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Collect samples every source once
func (c *Collector) Collect() {
	if c.sources.Actors != nil {
		ActorsActive.Reset()
		for kind, n := range c.sources.Actors.CountByKind() {
			ActorsActive.WithLabelValues(string(kind)).Set(float64(n))
		}
	}
	if c.sources.HousekeeperLag != nil {
		HousekeeperLag.Set(float64(c.sources.HousekeeperLag()))
	}
	if c.sources.ScheduledEntities != nil {
		SchedulerScheduledEntities.Set(float64(c.sources.ScheduledEntities()))
	}
	if c.sources.EventSubscribers != nil {
		EventSubscribers.Set(float64(c.sources.EventSubscribers()))
	}
	if c.sources.EventsDropped != nil {
		EventsDropped.Set(float64(c.sources.EventsDropped()))
	}
}

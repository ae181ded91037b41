// Package scheduler drives resources through their lifecycle: it persists
// state transitions, propagates them along dependencies, dispatches READY
// jobs to connectors and reacts to their completion.
//
// Locking: the graph lock serializes every operation that reads or writes
// more than one resource. Per resource monitors are always taken after the
// graph lock, and only one monitor is held at a time except for a job and
// the tokens it locks, in that order.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twitter/groupcache/lru"
	"golang.org/x/time/rate"

	"github.com/experimaestro/xpm/bus"
	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
)

const (
	// How often READY jobs and running processes are swept when nothing
	// wakes the dispatcher.
	DefaultSweepInterval = 10 * time.Second

	// Upper bound on dispatch passes, wakes included.
	DefaultMaxSweepsPerSec = 2.0

	// Number of resource instances kept in memory besides running jobs.
	DefaultCacheSize = 10000
)

// Config holds the scheduler settings. Zero values select the defaults,
// except for MaxRunning where zero means unlimited.
type Config struct {
	// Maximum number of jobs running at once, over every connector.
	MaxRunning int
	// Maximum number of jobs running at once per connector id.
	ConnectorSlots        map[string]int
	SweepInterval         time.Duration
	MaxSweepsPerSec       float64
	CacheSize             int
	CleanupLocksOnStartup bool
	// Re-check ON_HOLD resources on startup.
	RecheckOnHold bool
	// Base URL the run scripts call on completion, empty to rely on polling.
	NotifyURL string
}

func (c *Config) String() string {
	return fmt.Sprintf("scheduler.Config: MaxRunning: %d, ConnectorSlots: %v, SweepInterval: %s, MaxSweepsPerSec: %g, "+
		"CacheSize: %d, CleanupLocksOnStartup: %t, RecheckOnHold: %t, NotifyURL: %q",
		c.MaxRunning, c.ConnectorSlots, c.SweepInterval, c.MaxSweepsPerSec,
		c.CacheSize, c.CleanupLocksOnStartup, c.RecheckOnHold, c.NotifyURL)
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxSweepsPerSec <= 0 {
		c.MaxSweepsPerSec = DefaultMaxSweepsPerSec
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.ConnectorSlots == nil {
		c.ConnectorSlots = map[string]int{}
	}
	return c
}

// Scheduler is the handle every component receives. There is no global
// instance.
type Scheduler struct {
	config     Config
	store      store.Store
	bus        *bus.Bus
	connectors *connector.Registry
	stat       stats.StatsReceiver
	now        func() time.Time

	graph sync.Mutex
	// Resources to propagate once their monitor is released, guarded by
	// graph.
	deferred []*resource.Resource

	cacheMu sync.Mutex
	cache   *lru.Cache
	pinned  map[resource.ID]*resource.Resource

	runMu        sync.Mutex
	running      map[resource.ID]*run
	perConnector map[string]int

	wakeCh    chan struct{}
	limiter   *rate.Limiter
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. It does not touch the store until Start.
func New(cfg *Config, st store.Store, b *bus.Bus, connectors *connector.Registry, stat stats.StatsReceiver) (*Scheduler, error) {
	if st == nil || connectors == nil {
		return nil, errors.New("scheduler needs a store and connectors")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if b == nil {
		b = bus.New(stat)
	}
	c := cfg.withDefaults()
	s := &Scheduler{
		config:       c,
		store:        st,
		bus:          b,
		connectors:   connectors,
		stat:         stat.Scope("scheduler"),
		now:          time.Now,
		pinned:       map[resource.ID]*resource.Resource{},
		running:      map[resource.ID]*run{},
		perConnector: map[string]int{},
		wakeCh:       make(chan struct{}, 1),
		limiter:      rate.NewLimiter(rate.Limit(c.MaxSweepsPerSec), 1),
		stopCh:       make(chan struct{}),
	}
	s.cache = lru.New(c.CacheSize)
	s.cache.OnEvicted = func(key lru.Key, value interface{}) {
		s.stat.Counter(stats.SchedCacheEvictionCounter).Inc(1)
		log.WithFields(log.Fields{"resource": key}).Debug("Evicted resource from cache")
	}
	log.Infof("Created scheduler with %s", &c)
	return s, nil
}

// Start recovers the persisted state then runs the dispatch loop until Stop
// or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.stat.Gauge(stats.SchedServerStartedGauge).Update(1)
		if err = s.recover(ctx); err != nil {
			return
		}
		s.wg.Add(1)
		go s.loop(ctx)
	})
	return err
}

// Stop ends the dispatch loop. Running processes are left alone; they are
// recovered on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		log.Info("Scheduler stopped")
	})
}

// Bus returns the bus the scheduler publishes on.
func (s *Scheduler) Bus() *bus.Bus {
	return s.bus
}

// Connectors returns the connector registry.
func (s *Scheduler) Connectors() *connector.Registry {
	return s.connectors
}

// Store returns the underlying store.
func (s *Scheduler) Store() store.Store {
	return s.store
}

// Resource returns the cached instance of id, loading it with its payload
// from the store when needed.
func (s *Scheduler) Resource(id resource.ID) (*resource.Resource, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if r, ok := s.pinned[id]; ok {
		return r, nil
	}
	if v, ok := s.cache.Get(id); ok {
		return v.(*resource.Resource), nil
	}
	r, err := s.store.ResourceByID(id)
	if err != nil {
		if errors.Cause(err) == store.ErrNotFound {
			return nil, errors.Wrapf(xpmerrors.ErrUnknownResource, "%s", id)
		}
		return nil, err
	}
	if err := s.store.LoadData(r); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"resource": id, "locator": r.Locator(), "state": r.State()}).Debug("Loaded resource")
	s.cache.Add(id, r)
	return r, nil
}

// current returns the live instance of r. A caller may hold an instance
// that was replaced by a later submission of the same locator.
func (s *Scheduler) current(r *resource.Resource) (*resource.Resource, error) {
	if !r.IsStored() {
		return nil, errors.Wrapf(xpmerrors.ErrUnknownResource, "%s is not stored", r.Locator())
	}
	return s.Resource(r.ID())
}

// ResourceByLocator returns the cached instance of the resource stored
// under locator.
func (s *Scheduler) ResourceByLocator(locator string) (*resource.Resource, error) {
	r, err := s.store.ResourceByLocator(locator)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.Wrapf(xpmerrors.ErrUnknownResource, "%s", locator)
	}
	return s.Resource(r.ID())
}

// cached registers a freshly stored instance so that later lookups share it.
func (s *Scheduler) cached(r *resource.Resource) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, ok := s.pinned[r.ID()]; ok {
		s.pinned[r.ID()] = r
		return
	}
	s.cache.Add(r.ID(), r)
}

// forget drops every instance of id.
func (s *Scheduler) forget(id resource.ID) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.pinned, id)
	s.cache.Remove(id)
}

// pin keeps r in memory while it runs; its dependency lock handles only
// live in this instance.
func (s *Scheduler) pin(r *resource.Resource) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.pinned[r.ID()] = r
	s.cache.Remove(r.ID())
}

func (s *Scheduler) unpin(r *resource.Resource) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.pinned[r.ID()] == r {
		delete(s.pinned, r.ID())
		s.cache.Add(r.ID(), r)
	}
}

// wake schedules a dispatch pass.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func logFields(r *resource.Resource) log.Fields {
	return log.Fields{"resource": r.String(), "locator": r.Locator()}
}

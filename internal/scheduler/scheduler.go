// Package scheduler runs the periodic per-device polling tasks that keep
// device state and events in sync with what the network reports: interface
// counters, BGP/BFD session status, Juniper alarms, and reachability.
//
// Each device has a single cooperative executor: its tasks never run
// concurrently with each other, though different devices run in parallel,
// bounded by a fixed-size worker pool. This mirrors the single asyncio task
// per device in the system this package was modeled on, without needing an
// actual single-threaded event loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/domain"
)

// Task is one unit of per-device polling work.
type Task interface {
	Name() string
	Run(ctx context.Context, tc *TaskContext) error
}

// TaskContext bundles what a Task needs to observe and mutate state for one
// device run.
type TaskContext struct {
	Device *domain.Device
	State  *domain.DeviceState
	Now    time.Time
}

// deviceState tracks per-device scheduling bookkeeping: when it last ran,
// and whether a run is currently in flight (so a slow device's tasks never
// overlap with themselves even if two ticks land close together).
type deviceState struct {
	mu      sync.Mutex
	lastRun time.Time
	busy    bool
}

// Scheduler dispatches periodic task runs for every device through a
// bounded goroutine pool, using a per-device busy flag to guarantee a
// device's own tasks run one at a time.
type Scheduler struct {
	log  *zap.Logger
	pool *ants.Pool
	cron *cron.Cron

	mu     sync.Mutex
	states map[string]*deviceState
	tasks  []Task

	registry DeviceRegistry
	stateFor func(device string) *domain.DeviceState
}

// DeviceRegistry gives the scheduler the current set of devices to poll.
// It is reload-safe: Devices() may return a different slice of
// *domain.Device values across calls as the pollfile is reloaded.
type DeviceRegistry interface {
	Devices() []*domain.Device
}

// Config controls pool sizing.
type Config struct {
	PoolSize int
}

// New builds a Scheduler. tasks run in the order given for every device on
// every tick that device's interval elapses.
func New(cfg Config, registry DeviceRegistry, stateFor func(string) *domain.DeviceState, tasks []Task, log *zap.Logger) (*Scheduler, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 64
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	c := cron.New(cron.WithLocation(time.Local), cron.WithSeconds())
	return &Scheduler{
		log:      log,
		pool:     pool,
		cron:     c,
		states:   make(map[string]*deviceState),
		tasks:    tasks,
		registry: registry,
		stateFor: stateFor,
	}, nil
}

// Start registers the dispatch tick and begins running it. tickEvery should
// divide evenly into every device's configured interval; a one-minute tick
// is the usual choice since intervals are minute-grained.
func (s *Scheduler) Start(tickEvery time.Duration) error {
	_, err := s.cron.AddFunc("@every "+tickEvery.String(), s.dispatchTick)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and releases the worker pool. In-flight jobs
// finish; no new ones are accepted afterward.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.pool.Release()
}

// RunNow forces an immediate task run for one device, bypassing the
// interval gate. Used to implement trap-directed polling: a trap fires this
// instead of waiting for the next scheduled tick.
func (s *Scheduler) RunNow(device *domain.Device) {
	s.dispatchDevice(device, time.Now())
}

func (s *Scheduler) dispatchTick() {
	now := time.Now()
	for _, d := range s.registry.Devices() {
		if !s.due(d, now) {
			continue
		}
		s.dispatchDevice(d, now)
	}
}

func (s *Scheduler) due(d *domain.Device, now time.Time) bool {
	interval := time.Duration(d.IntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	ds := s.deviceStateFor(d.Name)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.lastRun.IsZero() || now.Sub(ds.lastRun) >= interval
}

func (s *Scheduler) dispatchDevice(d *domain.Device, now time.Time) {
	ds := s.deviceStateFor(d.Name)

	ds.mu.Lock()
	if ds.busy {
		ds.mu.Unlock()
		s.log.Debug("skipping tick, previous run still in flight", zap.String("device", d.Name))
		return
	}
	ds.busy = true
	ds.lastRun = now
	ds.mu.Unlock()

	err := s.pool.Submit(func() {
		defer func() {
			ds.mu.Lock()
			ds.busy = false
			ds.mu.Unlock()
		}()
		state := s.stateFor(d.Name)
		tc := &TaskContext{Device: d, State: state, Now: time.Now()}
		for _, t := range s.tasks {
			if err := t.Run(context.Background(), tc); err != nil {
				s.log.Warn("task run failed",
					zap.String("device", d.Name), zap.String("task", t.Name()), zap.Error(err))
			}
		}
	})
	if err != nil {
		ds.mu.Lock()
		ds.busy = false
		ds.mu.Unlock()
		s.log.Warn("worker pool rejected job", zap.String("device", d.Name), zap.Error(err))
	}
}

func (s *Scheduler) deviceStateFor(device string) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.states[device]
	if !ok {
		ds = &deviceState{}
		s.states[device] = ds
	}
	return ds
}

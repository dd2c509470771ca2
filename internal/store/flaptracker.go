package store

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/sikt-no/zino/internal/domain"
)

// FlapConfig holds the tunables for flap detection. A FlapTracker applies one
// FlapConfig to every interface; neither the pollfile nor the main config
// sets these values, and the application uses DefaultFlapConfig.
type FlapConfig struct {
	ThresholdHigh int           // transitions in Window before flapstate becomes flapping
	ThresholdLow  int           // transitions in Window below which flapstate returns to stable
	StabilizeTime time.Duration // time with no transitions required before clearing back to stable
	Window        time.Duration // sliding window over which transitions are counted
}

// DefaultFlapConfig matches the window-count thresholds this system ships
// with out of the box.
var DefaultFlapConfig = FlapConfig{
	ThresholdHigh: 3,
	ThresholdLow:  1,
	StabilizeTime: 2 * time.Minute,
	Window:        5 * time.Minute,
}

type transition struct {
	at  time.Time
	seq uint64
}

func transitionLess(a, b transition) bool {
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

// flapKey identifies one tracked interface.
type flapKey struct {
	router string
	ifidx  int
}

// tracker is the per-interface sliding window of recent operational-state
// transitions, backed by a btree ordered on transition time so aging old
// entries out of the window is a range delete rather than a full rescan.
type tracker struct {
	transitions *btree.BTreeG[transition]
	lastChange  time.Time
	seq         uint64
	state       domain.FlapKind
}

// FlapTracker tracks link flapping per (router, ifindex) using a
// sliding-window transition count: a link is "flapping" once ThresholdHigh
// operational-state transitions have occurred within Window, and returns to
// "stable" once the count has dropped below ThresholdLow and StabilizeTime
// has elapsed since the last transition (see Age).
type FlapTracker struct {
	mu      sync.Mutex
	cfg     FlapConfig
	byIface map[flapKey]*tracker
}

// NewFlapTracker returns a tracker using cfg for every interface.
func NewFlapTracker(cfg FlapConfig) *FlapTracker {
	return &FlapTracker{cfg: cfg, byIface: make(map[flapKey]*tracker)}
}

func (f *FlapTracker) get(router string, ifindex int) *tracker {
	key := flapKey{router, ifindex}
	t, ok := f.byIface[key]
	if !ok {
		t = &tracker{
			transitions: btree.NewG(16, transitionLess),
			state:       domain.FlapStateStable,
		}
		f.byIface[key] = t
	}
	return t
}

// FlapCount returns the number of transitions recorded within the last cfg.Window.
func (f *FlapTracker) FlapCount(router string, ifindex int, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.get(router, ifindex)
	f.age(t, now)
	return t.transitions.Len()
}

// State returns the current stability classification for the interface.
func (f *FlapTracker) State(router string, ifindex int) domain.FlapKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(router, ifindex).state
}

// RecordTransition registers an operational-state change at time now and
// re-evaluates the flap state, returning the new state and the current
// window count (used to populate the event's flaps attribute).
func (f *FlapTracker) RecordTransition(router string, ifindex int, now time.Time) (domain.FlapKind, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.get(router, ifindex)
	f.age(t, now)

	t.seq++
	t.transitions.ReplaceOrInsert(transition{at: now, seq: t.seq})
	t.lastChange = now

	count := t.transitions.Len()
	switch t.state {
	case domain.FlapStateStable:
		if count >= f.cfg.ThresholdHigh {
			t.state = domain.FlapStateFlapping
		}
	case domain.FlapStateFlapping:
		if count < f.cfg.ThresholdLow {
			t.state = domain.FlapStateStable
		}
	}
	return t.state, count
}

// Age re-evaluates the interface's flap state against the current time
// without recording a new transition. A flapping link only returns to
// stable once the window count has dropped below ThresholdLow AND
// StabilizeTime has elapsed since its last transition; both conditions must
// hold, since a low count reached moments ago does not yet mean the link
// has actually settled down.
func (f *FlapTracker) Age(router string, ifindex int, now time.Time) (domain.FlapKind, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.get(router, ifindex)
	f.age(t, now)
	count := t.transitions.Len()
	if t.state == domain.FlapStateFlapping {
		stabilized := !t.lastChange.IsZero() && now.Sub(t.lastChange) >= f.cfg.StabilizeTime
		if count < f.cfg.ThresholdLow && stabilized {
			t.state = domain.FlapStateStable
		}
	}
	return t.state, count
}

// AgeAll re-evaluates every tracked interface, for use from the periodic
// maintenance sweep so flapstate reflects the passage of time even for
// interfaces that have not transitioned recently.
func (f *FlapTracker) AgeAll(now time.Time) {
	f.mu.Lock()
	keys := make([]flapKey, 0, len(f.byIface))
	for k := range f.byIface {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	for _, k := range keys {
		f.Age(k.router, k.ifidx, now)
	}
}

// Clear resets the window and counter for an interface and forces the state
// back to stable. This backs the CLEARFLAP command, which only clears flap
// bookkeeping and never touches the associated event's lifecycle state.
func (f *FlapTracker) Clear(router string, ifindex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byIface, flapKey{router, ifindex})
}

// age drops transitions that have fallen outside the sliding window.
func (f *FlapTracker) age(t *tracker, now time.Time) {
	cutoff := now.Add(-f.cfg.Window)
	for {
		min, ok := t.transitions.Min()
		if !ok || min.at.After(cutoff) {
			return
		}
		t.transitions.DeleteMin()
	}
}

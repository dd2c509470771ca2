// Package store holds the in-memory, EventBus-observed stores that back the
// command and notify protocols: the event store, planned maintenance store,
// and per-interface flap trackers.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/btree"
	"golang.org/x/sync/singleflight"

	"github.com/sikt-no/zino/internal/domain"
)

// Topics published on the shared EventBus. Subscribers (notify server,
// webhook/SMTP channels, PM matcher) never see partial state: a publish
// only ever carries a committed, checked-in event.
const (
	TopicEventCreated  = "event:created"
	TopicEventUpdated  = "event:updated"
	TopicEventClosed   = "event:closed"
	TopicAttrChanged   = "event:attr:%s" // formatted with attribute name; Commit does not publish on it
)

// Change describes what a Commit altered, handed to subscribers alongside
// the committed event so they can react to specific attribute transitions
// (state changes, flap state changes, ...) without re-diffing themselves.
type Change struct {
	Event       *domain.Event
	Previous    *domain.Event // nil for a brand-new event
	StateChange bool
	OldState    domain.EventState
}

type closedEntry struct {
	closedAt time.Time
	id       int64
}

func closedEntryLess(a, b closedEntry) bool {
	if a.closedAt.Equal(b.closedAt) {
		return a.id < b.id
	}
	return a.closedAt.Before(b.closedAt)
}

// EventStore is the authoritative, in-process table of events. Callers
// never mutate a stored *domain.Event directly: Checkout hands out a private
// clone, and Commit atomically replaces the stored value and fires
// notifications, mirroring the checkout/commit discipline of the system
// this store descends from.
type EventStore struct {
	mu     sync.Mutex
	events map[int64]*domain.Event
	byKey  map[domain.Key]int64
	lastID int64

	// closedByKey lets a trap or poll that arrives shortly after closure
	// find the event it should reference instead of silently opening an
	// unrelated new incident. Entries are removed once the key reopens or
	// the closed event is archived out of memory.
	closedByKey map[domain.Key]int64

	closedIndex *btree.BTreeG[closedEntry]

	bus       EventBus.Bus
	sf        singleflight.Group
	archiveFn func(*domain.Event) error
}

// NewEventStore returns an empty store. archiveFn is invoked by ArchiveSweep
// for every event it removes from memory; it is expected to persist the
// event to durable storage before the sweep drops it.
func NewEventStore(bus EventBus.Bus, archiveFn func(*domain.Event) error) *EventStore {
	return &EventStore{
		events:      make(map[int64]*domain.Event),
		byKey:       make(map[domain.Key]int64),
		closedByKey: make(map[domain.Key]int64),
		closedIndex: btree.NewG(32, closedEntryLess),
		bus:         bus,
		archiveFn:   archiveFn,
	}
}

// GetOrCreate returns the id of the open (non-closed) event matching key,
// creating a fresh embryonic event if none exists. If key was recently
// closed, the fresh event carries a back-reference history entry to the
// closed event it replaces, per the recently-closed reopen rule. Concurrent
// calls for the same key are serialized through singleflight so they
// observe and return the same id, without holding the store lock across the
// creation.
//
// A caller that receives created==true and decides not to make any change
// worth recording must call Discard(id) rather than leaving the event
// embryonic in the index: an uncommitted embryonic event is not yet real
// and must not be visible to other callers or reused across poll cycles.
func (s *EventStore) GetOrCreate(key domain.Key, now time.Time) (id int64, created bool, err error) {
	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do(key.String(), func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.byKey[key]; ok {
			return existing, nil
		}
		s.lastID++
		ev := &domain.Event{
			ID:       s.lastID,
			Router:   key.Router,
			SubIndex: key.SubIndex,
			Type:     key.Type,
			State:    domain.StateEmbryonic,
			Opened:   now,
			Updated:  now,
		}
		if closedID, ok := s.closedByKey[key]; ok {
			ev.AddHistory(fmt.Sprintf("reopened, see also event %d", closedID), now)
			delete(s.closedByKey, key)
		}
		s.events[ev.ID] = ev
		s.byKey[key] = ev.ID
		return ev.ID, nil
	})
	if err != nil {
		return 0, false, err
	}
	id = v.(int64)
	return id, id == s.lastID, nil
}

// Discard removes an uncommitted, still-embryonic event that GetOrCreate
// created but the caller chose not to commit, freeing its key for reuse. It
// is a no-op if the event was already committed (no longer embryonic) or
// does not exist.
func (s *EventStore) Discard(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.State != domain.StateEmbryonic {
		return
	}
	delete(s.events, id)
	if s.byKey[ev.Key()] == id {
		delete(s.byKey, ev.Key())
	}
}

// Get returns a snapshot clone of the event, or nil if it does not exist.
// Callers that only read never need Checkout/Commit.
func (s *EventStore) Get(id int64) *domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	return ev.Clone()
}

// Checkout returns a private, mutable clone of the event for the caller to
// edit and later pass to Commit. Returns nil if the id is unknown.
func (s *EventStore) Checkout(id int64) *domain.Event {
	return s.Get(id)
}

// Commit atomically replaces the stored event with the (mutated) clone,
// updates secondary indexes, and publishes change notifications on the bus.
// It is the caller's responsibility to have obtained ev via Checkout.
func (s *EventStore) Commit(ev *domain.Event, at time.Time) error {
	s.mu.Lock()

	prev, existed := s.events[ev.ID]
	var prevClone *domain.Event
	if existed {
		prevClone = prev.Clone()
	}

	wasEmbryonic := existed && prev.State == domain.StateEmbryonic
	stateChanged := existed && prev.State != ev.State

	s.events[ev.ID] = ev

	if ev.State != domain.StateClosed {
		s.byKey[ev.Key()] = ev.ID
	} else {
		if s.byKey[ev.Key()] == ev.ID {
			delete(s.byKey, ev.Key())
		}
		s.closedByKey[ev.Key()] = ev.ID
		if ev.Closed != nil {
			s.closedIndex.ReplaceOrInsert(closedEntry{closedAt: *ev.Closed, id: ev.ID})
		}
	}

	s.mu.Unlock()

	change := Change{Event: ev.Clone(), Previous: prevClone, StateChange: stateChanged}
	if prevClone != nil {
		change.OldState = prevClone.State
	}

	switch {
	case wasEmbryonic:
		s.bus.Publish(TopicEventCreated, change)
	case ev.State == domain.StateClosed && stateChanged:
		s.bus.Publish(TopicEventClosed, change)
	default:
		s.bus.Publish(TopicEventUpdated, change)
	}
	return nil
}

// Close is a convenience wrapper that transitions ev to closed and commits
// it in one step.
func (s *EventStore) Close(id int64, user string, at time.Time) error {
	ev := s.Checkout(id)
	if ev == nil {
		return nil
	}
	if err := ev.SetState(domain.StateClosed, user, at); err != nil {
		return err
	}
	return s.Commit(ev, at)
}

// IterOpen calls fn for every non-closed event, in unspecified order.
// Iteration uses clones; fn must not assume it can mutate store state.
func (s *EventStore) IterOpen(fn func(*domain.Event)) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.byKey))
	for _, id := range s.byKey {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if ev := s.Get(id); ev != nil {
			fn(ev)
		}
	}
}

// All returns clones of every event currently held, open or closed, for
// snapshot persistence.
func (s *EventStore) All() []*domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	return out
}

// Restore repopulates the store from a persisted snapshot. It must be
// called before the store is otherwise used; it does not publish bus
// notifications, since restoration is not a live state transition.
func (s *EventStore) Restore(events []*domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[ev.ID] = ev
		if ev.ID > s.lastID {
			s.lastID = ev.ID
		}
		if ev.State != domain.StateClosed {
			s.byKey[ev.Key()] = ev.ID
		} else {
			s.closedByKey[ev.Key()] = ev.ID
			if ev.Closed != nil {
				s.closedIndex.ReplaceOrInsert(closedEntry{closedAt: *ev.Closed, id: ev.ID})
			}
		}
	}
}

// DeduplicateOnLoad enforces the at-most-one-open-event-per-key invariant
// after a Restore: if more than one non-closed event shares a key (which
// should never happen from normal operation, but can follow a crash mid
// snapshot write), the oldest-opened survives and the rest are force-closed
// with a history note explaining why.
func (s *EventStore) DeduplicateOnLoad(at time.Time) {
	s.mu.Lock()
	byKey := make(map[domain.Key][]*domain.Event)
	for _, ev := range s.events {
		if ev.State != domain.StateClosed {
			byKey[ev.Key()] = append(byKey[ev.Key()], ev)
		}
	}
	var toClose []*domain.Event
	for key, evs := range byKey {
		if len(evs) < 2 {
			continue
		}
		survivor := evs[0]
		for _, ev := range evs[1:] {
			if ev.Opened.Before(survivor.Opened) {
				survivor = ev
			}
		}
		s.byKey[key] = survivor.ID
		for _, ev := range evs {
			if ev.ID != survivor.ID {
				toClose = append(toClose, ev)
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range toClose {
		clone := s.Checkout(ev.ID)
		if clone == nil {
			continue
		}
		clone.AddHistory("closed on load: duplicate open event for the same key", at)
		if err := clone.SetState(domain.StateClosed, "zino", at); err == nil {
			_ = s.Commit(clone, at)
		}
	}
}

// ArchiveSweep removes events that have been closed for longer than
// olderThan, invoking archiveFn on each before dropping it from memory.
// Called periodically from the cron-driven maintenance loop.
func (s *EventStore) ArchiveSweep(now time.Time, olderThan time.Duration) error {
	cutoff := now.Add(-olderThan)

	s.mu.Lock()
	var toArchive []closedEntry
	s.closedIndex.AscendRange(closedEntry{}, closedEntry{closedAt: cutoff, id: 1 << 62}, func(item closedEntry) bool {
		toArchive = append(toArchive, item)
		return true
	})
	s.mu.Unlock()

	for _, entry := range toArchive {
		s.mu.Lock()
		ev, ok := s.events[entry.id]
		var clone *domain.Event
		if ok {
			clone = ev.Clone()
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if s.archiveFn != nil {
			if err := s.archiveFn(clone); err != nil {
				return err
			}
		}
		s.mu.Lock()
		delete(s.events, entry.id)
		s.closedIndex.Delete(entry)
		if clone != nil && s.closedByKey[clone.Key()] == entry.id {
			delete(s.closedByKey, clone.Key())
		}
		s.mu.Unlock()
	}
	return nil
}

package store

import (
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikt-no/zino/internal/domain"
)

func TestEventStoreGetOrCreateDedupesByKey(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	now := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}

	id1, created1, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	assert.True(t, created1)

	id2, created2, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id1, id2, "the same natural key must resolve to the same event")
}

func TestEventStoreCommitPublishesCreatedOnce(t *testing.T) {
	bus := EventBus.New()
	var created, updated int
	require.NoError(t, bus.Subscribe(TopicEventCreated, func(Change) { created++ }))
	require.NoError(t, bus.Subscribe(TopicEventUpdated, func(Change) { updated++ }))

	s := NewEventStore(bus, nil)
	now := time.Now()
	id, _, err := s.GetOrCreate(domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}, now)
	require.NoError(t, err)

	ev := s.Checkout(id)
	require.NoError(t, ev.SetState(domain.StateOpen, "monitor", now))
	require.NoError(t, s.Commit(ev, now))
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, updated)

	ev = s.Checkout(id)
	require.NoError(t, ev.SetState(domain.StateWorking, "op", now.Add(time.Minute)))
	require.NoError(t, s.Commit(ev, now.Add(time.Minute)))
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)
}

func TestEventStoreCloseFreesKeyForReuse(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	now := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}

	id, _, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	require.NoError(t, s.Close(id, "op", now))

	newID, created, err := s.GetOrCreate(key, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, newID, "a closed event no longer occupies its natural key")
}

func TestEventStoreReopenAfterCloseAddsBackReference(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	now := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}

	id, _, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	require.NoError(t, s.Close(id, "op", now))

	newID, created, err := s.GetOrCreate(key, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, newID)

	reopened := s.Get(newID)
	require.NotNil(t, reopened)
	require.NotEmpty(t, reopened.History)
	assert.Contains(t, reopened.History[0].Text, "reopened")
}

func TestEventStoreDiscardFreesUncommittedEvent(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	now := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}

	id, created, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	require.True(t, created)

	s.Discard(id)
	assert.Nil(t, s.Get(id), "a discarded, never-committed event must not remain in the store")

	newID, created, err := s.GetOrCreate(key, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created, "the key must be free for reuse after discard")
	assert.NotEqual(t, id, newID)
}

func TestEventStoreDiscardIsNoopAfterCommit(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	now := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}

	id, _, err := s.GetOrCreate(key, now)
	require.NoError(t, err)
	ev := s.Checkout(id)
	require.NoError(t, ev.SetState(domain.StateOpen, "monitor", now))
	require.NoError(t, s.Commit(ev, now))

	s.Discard(id)
	assert.NotNil(t, s.Get(id), "a committed event must survive a stray Discard call")
}

func TestEventStoreDeduplicateOnLoadKeepsOldestOpen(t *testing.T) {
	s := NewEventStore(EventBus.New(), nil)
	base := time.Now()
	key := domain.Key{Router: "sw1", SubIndex: "4", Type: domain.TypePortstate}
	older := &domain.Event{ID: 1, Router: "sw1", SubIndex: "4", Type: domain.TypePortstate, State: domain.StateOpen, Opened: base}
	newer := &domain.Event{ID: 2, Router: "sw1", SubIndex: "4", Type: domain.TypePortstate, State: domain.StateOpen, Opened: base.Add(time.Hour)}
	s.Restore([]*domain.Event{older, newer})

	s.DeduplicateOnLoad(base.Add(2 * time.Hour))

	survivor := s.Get(1)
	require.NotNil(t, survivor)
	assert.Equal(t, domain.StateOpen, survivor.State)

	loser := s.Get(2)
	require.NotNil(t, loser)
	assert.Equal(t, domain.StateClosed, loser.State)

	id, _, err := s.GetOrCreate(key, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestEventStoreArchiveSweepInvokesArchiveFn(t *testing.T) {
	var archived []int64
	s := NewEventStore(EventBus.New(), func(ev *domain.Event) error {
		archived = append(archived, ev.ID)
		return nil
	})
	base := time.Now()
	closedAt := base.Add(-48 * time.Hour)
	old := &domain.Event{ID: 1, State: domain.StateClosed, Closed: &closedAt}
	s.Restore([]*domain.Event{old})

	require.NoError(t, s.ArchiveSweep(base, 24*time.Hour))
	assert.Equal(t, []int64{1}, archived)
	assert.Nil(t, s.Get(1), "an archived event no longer lives in memory")
}

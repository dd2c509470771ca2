package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSetStateTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := &Event{ID: 1, State: StateEmbryonic}

	require.NoError(t, ev.SetState(StateOpen, "monitor", now))
	assert.Equal(t, StateOpen, ev.State)
	assert.Equal(t, now, ev.Opened)
	require.Len(t, ev.History, 1)

	later := now.Add(time.Minute)
	require.NoError(t, ev.SetState(StateWorking, "op", later))
	assert.Equal(t, StateWorking, ev.State)
	assert.Equal(t, later, ev.Updated)

	closedAt := later.Add(time.Minute)
	require.NoError(t, ev.SetState(StateClosed, "op", closedAt))
	require.NotNil(t, ev.Closed)
	assert.Equal(t, closedAt, *ev.Closed)

	err := ev.SetState(StateOpen, "op", closedAt.Add(time.Minute))
	assert.Error(t, err)
	var closedErr *ErrClosedEvent
	assert.ErrorAs(t, err, &closedErr)
	assert.Equal(t, StateClosed, ev.State, "a closed event never reopens")
}

func TestEventSetStateNoopWhenUnchanged(t *testing.T) {
	now := time.Now()
	ev := &Event{ID: 2, State: StateOpen}
	require.NoError(t, ev.SetState(StateOpen, "op", now))
	assert.Empty(t, ev.History, "no history entry for a no-op transition")
}

func TestEventCloneIsIndependent(t *testing.T) {
	ev := &Event{
		ID:        3,
		State:     StateOpen,
		Portstate: &PortstatePayload{IfIndex: 4, Port: "Gi0/0"},
		History:   []LogEntry{{Text: "opened"}},
	}
	clone := ev.Clone()
	clone.Portstate.Port = "Gi0/1"
	clone.History = append(clone.History, LogEntry{Text: "extra"})

	assert.Equal(t, "Gi0/0", ev.Portstate.Port, "mutating the clone must not affect the original")
	assert.Len(t, ev.History, 1)
}

func TestEventKeyMatchesFields(t *testing.T) {
	ev := &Event{Router: "sw1", SubIndex: "5", Type: TypePortstate}
	assert.Equal(t, Key{Router: "sw1", SubIndex: "5", Type: TypePortstate}, ev.Key())
}

func TestLegacyAttrsPortstate(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	ev := &Event{
		ID:       7,
		Router:   "sw1",
		Type:     TypePortstate,
		State:    StateOpen,
		Opened:   now,
		Priority: 100,
		Flaps:    2,
		Portstate: &PortstatePayload{
			IfIndex:   4,
			Port:      "Gi0/0",
			Descr:     "uplink",
			PortState: "down",
			FlapState: FlapStateFlapping,
		},
	}
	attrs := ev.LegacyAttrs()
	byKey := map[string]string{}
	for _, a := range attrs {
		byKey[a.Key] = a.Value
	}
	assert.Equal(t, "sw1", byKey["router"])
	assert.Equal(t, "down", byKey["portstate"])
	assert.Equal(t, "flapping", byKey["flapstate"])
	assert.Equal(t, "2", byKey["flaps"])
}

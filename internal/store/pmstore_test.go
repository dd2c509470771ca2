package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikt-no/zino/internal/domain"
)

func newPM(target domain.PMTargetType, matchType domain.MatchType, dev, expr string, start, end time.Time) *domain.PlannedMaintenance {
	return &domain.PlannedMaintenance{
		StartTime:       start,
		EndTime:         end,
		TargetType:      target,
		MatchType:       matchType,
		MatchDevice:     dev,
		MatchExpression: expr,
	}
}

func TestPMStoreMatchingDeviceExact(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pm := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw1", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(pm)

	ev := &domain.Event{Router: "sw1", Type: domain.TypeReachability}
	matches := s.Matching(ev, now)
	require.Len(t, matches, 1)
	assert.Equal(t, pm.ID, matches[0].ID)

	other := &domain.Event{Router: "sw2", Type: domain.TypeReachability}
	assert.Empty(t, s.Matching(other, now))
}

func TestPMStoreMatchingRespectsActiveWindow(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pm := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw1", now.Add(time.Hour), now.Add(2*time.Hour))
	s.Add(pm)

	ev := &domain.Event{Router: "sw1", Type: domain.TypeReachability}
	assert.Empty(t, s.Matching(ev, now), "a PM outside its start/end window must not match")
}

func TestPMStoreMatchingIntfRegexp(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pm := newPM(domain.PMTargetPortstate, domain.MatchIntfRegexp, "sw1", "^Gi0/.*", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(pm)

	matching := &domain.Event{Router: "sw1", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Port: "Gi0/1"}}
	require.Len(t, s.Matching(matching, now), 1)

	wrongPort := &domain.Event{Router: "sw1", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Port: "Te1/1"}}
	assert.Empty(t, s.Matching(wrongPort, now))

	wrongDevice := &domain.Event{Router: "sw2", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Port: "Gi0/1"}}
	assert.Empty(t, s.Matching(wrongDevice, now))
}

func TestPMStoreMatchingPortstateStrMatchesAliasNotJustDevice(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pm := newPM(domain.PMTargetPortstate, domain.MatchStr, "", "uplink", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(pm)

	viaAlias := &domain.Event{Router: "sw9", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Descr: "core uplink to sw1"}}
	require.Len(t, s.Matching(viaAlias, now), 1)

	viaDevice := &domain.Event{Router: "uplink-sw", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Descr: "unrelated"}}
	require.Len(t, s.Matching(viaDevice, now), 1)

	neither := &domain.Event{Router: "sw9", Type: domain.TypePortstate, Portstate: &domain.PortstatePayload{Descr: "unrelated"}}
	assert.Empty(t, s.Matching(neither, now))
}

func TestPMStoreMatchingEvaluatesInAscendingIDOrder(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pmA := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw1", now.Add(-time.Hour), now.Add(time.Hour))
	pmB := newPM(domain.PMTargetDevice, domain.MatchStr, "", "sw", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(pmA)
	s.Add(pmB)

	ev := &domain.Event{Router: "sw1", Type: domain.TypeReachability}
	matches := s.Matching(ev, now)
	require.Len(t, matches, 2)
	assert.True(t, matches[0].ID < matches[1].ID)
}

func TestPMStoreApplyToEventSuppressesAndAnnotates(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	pm := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw1", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(pm)

	ev := &domain.Event{ID: 42, Router: "sw1", Type: domain.TypeReachability, State: domain.StateOpen}
	ApplyToEvent(pm, ev, now)

	require.NotNil(t, ev.MatchedPM)
	assert.Equal(t, pm.ID, *ev.MatchedPM)
	assert.Equal(t, domain.StateIgnored, ev.State)
	assert.Contains(t, pm.EventIDs, ev.ID)

	// Re-applying must not duplicate the bookkeeping entry.
	ApplyToEvent(pm, ev, now)
	assert.Len(t, pm.EventIDs, 1)
}

func TestPMStoreExpireSweepRemovesOldRules(t *testing.T) {
	s := NewPMStore()
	now := time.Now()
	expired := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw1", now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	active := newPM(domain.PMTargetDevice, domain.MatchExact, "", "sw2", now.Add(-time.Hour), now.Add(time.Hour))
	s.Add(expired)
	s.Add(active)

	removed := s.ExpireSweep(now)
	assert.Equal(t, []int{expired.ID}, removed)
	assert.Nil(t, s.Get(expired.ID))
	assert.NotNil(t, s.Get(active.ID))
}

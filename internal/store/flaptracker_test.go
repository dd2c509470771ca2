package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sikt-no/zino/internal/domain"
)

func TestFlapTrackerBecomesFlappingAtThreshold(t *testing.T) {
	cfg := FlapConfig{ThresholdHigh: 3, ThresholdLow: 1, StabilizeTime: time.Minute, Window: 5 * time.Minute}
	ft := NewFlapTracker(cfg)
	base := time.Now()

	state, count := ft.RecordTransition("sw1", 4, base)
	assert.Equal(t, domain.FlapStateStable, state)
	assert.Equal(t, 1, count)

	state, count = ft.RecordTransition("sw1", 4, base.Add(time.Second))
	assert.Equal(t, domain.FlapStateStable, state)
	assert.Equal(t, 2, count)

	state, count = ft.RecordTransition("sw1", 4, base.Add(2*time.Second))
	assert.Equal(t, domain.FlapStateFlapping, state, "third transition within the window crosses ThresholdHigh")
	assert.Equal(t, 3, count)
}

func TestFlapTrackerAgesOutOldTransitions(t *testing.T) {
	cfg := FlapConfig{ThresholdHigh: 2, ThresholdLow: 1, StabilizeTime: time.Minute, Window: time.Minute}
	ft := NewFlapTracker(cfg)
	base := time.Now()

	ft.RecordTransition("sw1", 4, base)
	ft.RecordTransition("sw1", 4, base.Add(time.Second))

	count := ft.FlapCount("sw1", 4, base.Add(2*time.Minute))
	assert.Equal(t, 0, count, "transitions older than Window should have aged out")
}

func TestFlapTrackerReturnsToStableBelowThresholdLow(t *testing.T) {
	cfg := FlapConfig{ThresholdHigh: 2, ThresholdLow: 1, StabilizeTime: time.Minute, Window: 5 * time.Minute}
	ft := NewFlapTracker(cfg)
	base := time.Now()

	ft.RecordTransition("sw1", 4, base)
	state, _ := ft.RecordTransition("sw1", 4, base.Add(time.Second))
	assert.Equal(t, domain.FlapStateFlapping, state)

	state, count := ft.Age("sw1", 4, base.Add(10*time.Minute))
	assert.Equal(t, domain.FlapStateStable, state, "all transitions aged out of the window, count drops to ThresholdLow")
	assert.Equal(t, 0, count)
}

func TestFlapTrackerAgeRequiresBothCountAndStabilizeTime(t *testing.T) {
	cfg := FlapConfig{ThresholdHigh: 2, ThresholdLow: 1, StabilizeTime: 30 * time.Second, Window: time.Hour}
	ft := NewFlapTracker(cfg)
	base := time.Now()

	ft.RecordTransition("sw1", 4, base)
	state, _ := ft.RecordTransition("sw1", 4, base.Add(time.Second))
	assert.Equal(t, domain.FlapStateFlapping, state)

	// StabilizeTime has elapsed since the last transition, but the window
	// still holds both transitions (count 2 > ThresholdLow 1): the link must
	// stay flapping since both conditions are required, not just one.
	state, count := ft.Age("sw1", 4, base.Add(time.Minute))
	assert.Equal(t, domain.FlapStateFlapping, state)
	assert.Equal(t, 2, count)

	// Once the window ages the count down to ThresholdLow as well, both
	// conditions hold and the link goes stable.
	state, count = ft.Age("sw1", 4, base.Add(2*time.Hour))
	assert.Equal(t, domain.FlapStateStable, state)
	assert.Equal(t, 0, count)
}

func TestFlapTrackerClearResetsState(t *testing.T) {
	ft := NewFlapTracker(DefaultFlapConfig)
	base := time.Now()
	ft.RecordTransition("sw1", 4, base)
	ft.RecordTransition("sw1", 4, base.Add(time.Second))
	ft.RecordTransition("sw1", 4, base.Add(2*time.Second))
	assert.Equal(t, domain.FlapStateFlapping, ft.State("sw1", 4))

	ft.Clear("sw1", 4)
	assert.Equal(t, domain.FlapStateStable, ft.State("sw1", 4))
	assert.Equal(t, 0, ft.FlapCount("sw1", 4, base.Add(3*time.Second)))
}

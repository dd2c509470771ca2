package domain

import (
	"strconv"
	"strings"
	"time"
)

// MatchType is the matching strategy a PlannedMaintenance rule uses.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchStr        MatchType = "str"
	MatchRegexp     MatchType = "regexp"
	MatchIntfRegexp MatchType = "intf-regexp"
)

// PMTargetType is what kind of event a PlannedMaintenance rule can affect.
type PMTargetType string

const (
	PMTargetPortstate PMTargetType = "portstate"
	PMTargetDevice    PMTargetType = "device"
)

// PlannedMaintenance is a time-bounded rule that suppresses or annotates
// matching events.
type PlannedMaintenance struct {
	ID              int
	StartTime       time.Time
	EndTime         time.Time
	TargetType      PMTargetType
	MatchType       MatchType
	MatchDevice     string // required only for intf-regexp
	MatchExpression string
	Log             []LogEntry
	// EventIDs lists the events this rule has matched, as reported by PM
	// MATCHING. Those events are not changed back when the rule ends.
	EventIDs []int64
}

// Active reports whether the PM is in effect at instant t: start <= t < end.
func (p *PlannedMaintenance) Active(t time.Time) bool {
	return !t.Before(p.StartTime) && t.Before(p.EndTime)
}

// Expired reports whether the PM should self-remove, one hour after EndTime.
func (p *PlannedMaintenance) Expired(t time.Time) bool {
	return t.After(p.EndTime.Add(time.Hour))
}

// AddLog appends a log entry to the PM's log list.
func (p *PlannedMaintenance) AddLog(text string, at time.Time) {
	p.Log = append(p.Log, LogEntry{Timestamp: at, Text: text})
}

// Details renders the PM in the legacy "$id $from_t $to_t $type $match_type
// [$match_dev] $match_expr" format used by PM DETAILS.
func (p *PlannedMaintenance) Details() string {
	out := []string{
		strconv.Itoa(p.ID),
		strconv.FormatInt(p.StartTime.Unix(), 10),
		strconv.FormatInt(p.EndTime.Unix(), 10),
		string(p.TargetType),
		string(p.MatchType),
	}
	if p.MatchDevice != "" {
		out = append(out, p.MatchDevice)
	}
	out = append(out, p.MatchExpression)
	return strings.Join(out, " ")
}

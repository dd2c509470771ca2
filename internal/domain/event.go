// Package domain holds the core Zino data model: devices, device state,
// events and their lifecycle, planned maintenance, and flap tracking.
package domain

import (
	"fmt"
	"time"
)

// EventState is the lifecycle state of an Event.
type EventState string

const (
	StateEmbryonic   EventState = "embryonic"
	StateOpen        EventState = "open"
	StateWorking     EventState = "working"
	StateWaiting     EventState = "waiting"
	StateConfirmWait EventState = "confirm-wait"
	StateIgnored     EventState = "ignored"
	StateClosed      EventState = "closed"
)

// Valid reports whether s is one of the allowed event states.
func (s EventState) Valid() bool {
	switch s {
	case StateEmbryonic, StateOpen, StateWorking, StateWaiting, StateConfirmWait, StateIgnored, StateClosed:
		return true
	}
	return false
}

// EventType discriminates the natural-key namespace an event belongs to.
type EventType string

const (
	TypeReachability EventType = "reachability"
	TypePortstate    EventType = "portstate"
	TypeBGP          EventType = "bgp"
	TypeBFD          EventType = "bfd"
	TypeAlarm        EventType = "alarm"
)

// Key is the natural key that at most one non-closed Event may occupy.
type Key struct {
	Router   string
	SubIndex string
	Type     EventType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Router, k.Type, k.SubIndex)
}

// LogEntry is a single timestamped line in an event's log or history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// ErrClosedEvent is returned when a caller attempts to transition a closed event.
type ErrClosedEvent struct{ ID int64 }

func (e *ErrClosedEvent) Error() string {
	return fmt.Sprintf("event %d is closed and cannot be reopened", e.ID)
}

// PortstatePayload holds the fields specific to a portstate event.
type PortstatePayload struct {
	IfIndex   int      `json:"ifindex"`
	Port      string   `json:"port"`
	Descr     string   `json:"descr"`
	PortState string   `json:"portstate"`
	FlapState FlapKind `json:"flapstate,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// BGPPayload holds the fields specific to a bgp event.
type BGPPayload struct {
	RemoteAddr string `json:"remote-addr"`
	RemoteAS   int    `json:"remote-as"`
	PeerUptime int    `json:"peer-uptime"`
	BgpOS      string `json:"bgpOS"`
	BgpAS      string `json:"bgpAS"`
}

// BFDPayload holds the fields specific to a bfd event.
type BFDPayload struct {
	BFDAddr   string `json:"bfdAddr"`
	BFDDiscr  int    `json:"bfdDiscr"`
	BFDState  string `json:"bfdState"`
	NeighRDNS string `json:"Neigh-rDNS,omitempty"`
}

// AlarmPayload holds the fields specific to a Juniper alarm event.
type AlarmPayload struct {
	AlarmType  string `json:"alarm-type"`
	AlarmCount int    `json:"alarm-count"`
}

// ReachabilityPayload holds the fields specific to a reachability event.
type ReachabilityPayload struct {
	Reachability string `json:"reachability"`
}

// Event is a tracked incident on one device, keyed by (Router, SubIndex, Type).
//
// Per-type attributes are modeled as a tagged variant: exactly one of the
// payload pointers is non-nil, matching Type. This is the Go idiom for the
// pydantic-subclass hierarchy the original codebase used.
type Event struct {
	ID       int64      `json:"id"`
	Router   string     `json:"router"`
	SubIndex string     `json:"subindex"`
	Type     EventType  `json:"type"`
	State    EventState `json:"state"`
	Priority int        `json:"priority"`

	Opened  time.Time  `json:"opened"`
	Updated time.Time  `json:"updated"`
	Closed  *time.Time `json:"closed,omitempty"`

	PollAddr  string `json:"polladdr,omitempty"`
	LastEvent string `json:"lastevent,omitempty"`

	Flaps  int   `json:"flaps,omitempty"`
	ACDown int64 `json:"ac-down,omitempty"` // milliseconds

	// MatchedPM is set when a planned maintenance rule has annotated this event.
	MatchedPM *int `json:"matched_pm,omitempty"`

	History []LogEntry `json:"history"`
	Log     []LogEntry `json:"log"`

	Portstate    *PortstatePayload    `json:"portstate,omitempty"`
	BGP          *BGPPayload          `json:"bgp,omitempty"`
	BFD          *BFDPayload          `json:"bfd,omitempty"`
	Alarm        *AlarmPayload        `json:"alarm,omitempty"`
	Reachability *ReachabilityPayload `json:"reachability,omitempty"`
}

// Key returns the natural key of this event.
func (e *Event) Key() Key {
	return Key{Router: e.Router, SubIndex: e.SubIndex, Type: e.Type}
}

// AddLog appends a log entry and bumps Updated.
func (e *Event) AddLog(text string, at time.Time) {
	e.Log = append(e.Log, LogEntry{Timestamp: at, Text: text})
	e.Updated = at
}

// AddHistory appends a history entry. History is not touched by Updated
// bookkeeping beyond what SetState already performs.
func (e *Event) AddHistory(text string, at time.Time) {
	e.History = append(e.History, LogEntry{Timestamp: at, Text: text})
}

// SetState performs a validated state transition, appending exactly one
// history entry. Returns ErrClosedEvent if the event is already closed;
// closure is final and a closed event never reopens.
func (e *Event) SetState(newState EventState, user string, at time.Time) error {
	if newState == e.State {
		return nil
	}
	if e.State == StateClosed {
		return &ErrClosedEvent{ID: e.ID}
	}
	old := e.State
	e.State = newState
	if old == StateEmbryonic && newState == StateOpen {
		e.Opened = at
	}
	if newState == StateClosed {
		closedAt := at
		e.Closed = &closedAt
	}
	e.AddHistory(fmt.Sprintf("state change %s -> %s (%s)", old, newState, user), at)
	e.Updated = at
	return nil
}

// Clone returns a deep-enough copy of the event suitable for checkout/commit
// semantics: mutating the clone never affects the stored original until
// Commit replaces it.
func (e *Event) Clone() *Event {
	c := *e
	c.History = append([]LogEntry(nil), e.History...)
	c.Log = append([]LogEntry(nil), e.Log...)
	if e.Closed != nil {
		t := *e.Closed
		c.Closed = &t
	}
	if e.MatchedPM != nil {
		v := *e.MatchedPM
		c.MatchedPM = &v
	}
	if e.Portstate != nil {
		p := *e.Portstate
		c.Portstate = &p
	}
	if e.BGP != nil {
		p := *e.BGP
		c.BGP = &p
	}
	if e.BFD != nil {
		p := *e.BFD
		c.BFD = &p
	}
	if e.Alarm != nil {
		p := *e.Alarm
		c.Alarm = &p
	}
	if e.Reachability != nil {
		p := *e.Reachability
		c.Reachability = &p
	}
	return &c
}

// FlapKind is the derived stability classification of a port.
type FlapKind string

const (
	FlapStateStable   FlapKind = "stable"
	FlapStateFlapping FlapKind = "flapping"
)

// LegacyAttrs renders the "simple" attributes of an event using the
// hyphenated field names the legacy line protocol expects for GETATTRS.
// The hyphenated naming is a protocol-boundary concern only; the in-memory
// model above uses ordinary Go field names throughout.
func (e *Event) LegacyAttrs() []LegacyAttr {
	attrs := []LegacyAttr{
		{"id", fmt.Sprintf("%d", e.ID)},
		{"router", e.Router},
		{"state", string(e.State)},
		{"opened", fmt.Sprintf("%d", e.Opened.Unix())},
	}
	if !e.Updated.IsZero() {
		attrs = append(attrs, LegacyAttr{"updated", fmt.Sprintf("%d", e.Updated.Unix())})
	}
	if e.Closed != nil {
		attrs = append(attrs, LegacyAttr{"closed", fmt.Sprintf("%d", e.Closed.Unix())})
	}
	attrs = append(attrs, LegacyAttr{"priority", fmt.Sprintf("%d", e.Priority)})
	if e.LastEvent != "" {
		attrs = append(attrs, LegacyAttr{"lastevent", e.LastEvent})
	}
	if e.PollAddr != "" {
		attrs = append(attrs, LegacyAttr{"polladdr", e.PollAddr})
	}
	switch e.Type {
	case TypePortstate:
		if e.Portstate != nil {
			attrs = append(attrs,
				LegacyAttr{"ifindex", fmt.Sprintf("%d", e.Portstate.IfIndex)},
				LegacyAttr{"port", e.Portstate.Port},
				LegacyAttr{"descr", e.Portstate.Descr},
				LegacyAttr{"portstate", e.Portstate.PortState},
			)
			if e.Portstate.FlapState != "" {
				attrs = append(attrs, LegacyAttr{"flapstate", string(e.Portstate.FlapState)})
			}
			attrs = append(attrs, LegacyAttr{"flaps", fmt.Sprintf("%d", e.Flaps)})
			attrs = append(attrs, LegacyAttr{"ac-down", fmt.Sprintf("%d", e.ACDown/1000)})
		}
	case TypeBGP:
		if e.BGP != nil {
			attrs = append(attrs,
				LegacyAttr{"remote-addr", e.BGP.RemoteAddr},
				LegacyAttr{"remote-AS", fmt.Sprintf("%d", e.BGP.RemoteAS)},
				LegacyAttr{"peer-uptime", fmt.Sprintf("%d", e.BGP.PeerUptime)},
				LegacyAttr{"bgpOS", e.BGP.BgpOS},
				LegacyAttr{"bgpAS", e.BGP.BgpAS},
			)
		}
	case TypeBFD:
		if e.BFD != nil {
			attrs = append(attrs,
				LegacyAttr{"bfdAddr", e.BFD.BFDAddr},
				LegacyAttr{"bfdDiscr", fmt.Sprintf("%d", e.BFD.BFDDiscr)},
				LegacyAttr{"bfdState", e.BFD.BFDState},
			)
			if e.BFD.NeighRDNS != "" {
				attrs = append(attrs, LegacyAttr{"Neigh-rDNS", e.BFD.NeighRDNS})
			}
		}
	case TypeAlarm:
		if e.Alarm != nil {
			attrs = append(attrs,
				LegacyAttr{"alarm-type", e.Alarm.AlarmType},
				LegacyAttr{"alarm-count", fmt.Sprintf("%d", e.Alarm.AlarmCount)},
			)
		}
	case TypeReachability:
		if e.Reachability != nil {
			attrs = append(attrs, LegacyAttr{"reachability", e.Reachability.Reachability})
		}
	}
	return attrs
}

// LegacyAttr is a single "key: value" pair as rendered by GETATTRS.
type LegacyAttr struct {
	Key   string
	Value string
}

package store

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sikt-no/zino/internal/domain"
)

// PMStore holds active and pending planned maintenance rules, and matches
// them against events as they are committed.
type PMStore struct {
	mu     sync.Mutex
	byID   map[int]*domain.PlannedMaintenance
	nextID int
}

// NewPMStore returns an empty PM store.
func NewPMStore() *PMStore {
	return &PMStore{byID: make(map[int]*domain.PlannedMaintenance)}
}

// Add registers a new PM rule and returns its assigned id. Ids are
// allocated in strictly increasing order, since MATCHING and event
// annotation both rely on ascending-id evaluation order when more than one
// rule matches the same event.
func (s *PMStore) Add(pm *domain.PlannedMaintenance) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pm.ID = s.nextID
	s.byID[pm.ID] = pm
	return pm.ID
}

// Cancel removes a PM rule by id. Returns false if the id is unknown.
func (s *PMStore) Cancel(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

// Get returns the PM rule by id, or nil.
func (s *PMStore) Get(id int) *domain.PlannedMaintenance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// List returns every PM rule, ordered by ascending id.
func (s *PMStore) List() []*domain.PlannedMaintenance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.PlannedMaintenance, 0, len(s.byID))
	for _, pm := range s.byID {
		out = append(out, pm)
	}
	sortByID(out)
	return out
}

func sortByID(pms []*domain.PlannedMaintenance) {
	for i := 1; i < len(pms); i++ {
		for j := i; j > 0 && pms[j-1].ID > pms[j].ID; j-- {
			pms[j-1], pms[j] = pms[j], pms[j-1]
		}
	}
}

// AddLog appends a log line to a PM rule's own log, distinct from any
// event log it touches.
func (s *PMStore) AddLog(id int, text string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.byID[id]
	if !ok {
		return false
	}
	pm.AddLog(text, at)
	return true
}

// Matching returns every active PM rule whose match expression applies to
// the given event, evaluated in ascending-id order.
func (s *PMStore) Matching(ev *domain.Event, now time.Time) []*domain.PlannedMaintenance {
	s.mu.Lock()
	all := make([]*domain.PlannedMaintenance, 0, len(s.byID))
	for _, pm := range s.byID {
		all = append(all, pm)
	}
	s.mu.Unlock()
	sortByID(all)

	var out []*domain.PlannedMaintenance
	for _, pm := range all {
		if !pm.Active(now) {
			continue
		}
		if matches(pm, ev) {
			out = append(out, pm)
		}
	}
	return out
}

func matches(pm *domain.PlannedMaintenance, ev *domain.Event) bool {
	switch pm.TargetType {
	case domain.PMTargetDevice:
		return matchExpr(pm, ev.Router)
	case domain.PMTargetPortstate:
		if ev.Type != domain.TypePortstate {
			return false
		}
		if pm.MatchType == domain.MatchIntfRegexp {
			if pm.MatchDevice != "" && pm.MatchDevice != ev.Router {
				return false
			}
			if ev.Portstate == nil {
				return false
			}
			re, err := regexp.Compile(pm.MatchExpression)
			if err != nil {
				return false
			}
			return re.MatchString(ev.Portstate.Descr) || re.MatchString(ev.Portstate.Port)
		}
		// str/exact/regexp on a portstate PM match against the device name
		// or the port alias, not the device name alone.
		if matchExpr(pm, ev.Router) {
			return true
		}
		return ev.Portstate != nil && matchExpr(pm, ev.Portstate.Descr)
	}
	return false
}

func matchExpr(pm *domain.PlannedMaintenance, subject string) bool {
	switch pm.MatchType {
	case domain.MatchExact:
		return subject == pm.MatchExpression
	case domain.MatchStr:
		return strings.Contains(subject, pm.MatchExpression)
	case domain.MatchRegexp:
		re, err := regexp.Compile(pm.MatchExpression)
		if err != nil {
			return false
		}
		return re.MatchString(subject)
	}
	return false
}

// ExpireSweep removes every PM rule whose Expired(now) is true, returning
// the ids removed so the caller can log them.
func (s *PMStore) ExpireSweep(now time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []int
	for id, pm := range s.byID {
		if pm.Expired(now) {
			removed = append(removed, id)
			delete(s.byID, id)
		}
	}
	return removed
}

// ApplyToEvent annotates ev with the first matching active PM (lowest id)
// and moves the event into the ignored state unless it is already closed or
// ignored. It records the PM's own EventIDs bookkeeping so the rule knows
// which events it has touched.
func ApplyToEvent(pm *domain.PlannedMaintenance, ev *domain.Event, at time.Time) {
	id := pm.ID
	ev.MatchedPM = &id
	for _, existing := range pm.EventIDs {
		if existing == ev.ID {
			return
		}
	}
	pm.EventIDs = append(pm.EventIDs, ev.ID)
	ev.AddLog(fmt.Sprintf("matched planned maintenance %d", pm.ID), at)
	if ev.State != domain.StateClosed && ev.State != domain.StateIgnored {
		_ = ev.SetState(domain.StateIgnored, "pm", at)
	}
}

package scheduler

import (
	"github.com/sikt-no/zino/internal/store"
)

// BuildTasks returns the standard task list run for every device on every
// tick, in the fixed order reachability, link state, BGP, BFD, Juniper
// alarms -- reachability must run first since every other task gates on it.
func BuildTasks(sessions SessionProvider, events *store.EventStore, flaps *store.FlapTracker) []Task {
	return []Task{
		&ReachableTask{Sessions: sessions, Events: events, MaxFailures: 2},
		&LinkStateTask{Sessions: sessions, Events: events, Flaps: flaps},
		&BGPStateMonitorTask{Sessions: sessions, Events: events},
		&BFDTask{Sessions: sessions, Events: events, Resolver: DefaultResolver},
		&JuniperAlarmTask{Sessions: sessions, Events: events},
	}
}

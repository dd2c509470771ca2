package scheduler

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/snmpclient"
	"github.com/sikt-no/zino/internal/store"
)

// Well-known OID roots used by the polling tasks below.
const (
	oidSysUpTime     = ".1.3.6.1.2.1.1.3.0"
	oidSysObjectID   = ".1.3.6.1.2.1.1.2.0"
	oidIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	oidIfAlias       = ".1.3.6.1.2.1.31.1.1.1.18"
	oidIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	oidIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	oidIfLastChange  = ".1.3.6.1.2.1.2.2.1.9"

	juniperEnterprise = 2636
)

// SessionProvider hands a task a connected SNMP session for a device,
// pooled and reused across task runs.
type SessionProvider interface {
	Session(device *domain.Device) (snmpclient.Client, error)
}

// Events is the subset of *store.EventStore the tasks need.
type Events interface {
	GetOrCreate(key domain.Key, now time.Time) (id int64, created bool, err error)
	Checkout(id int64) *domain.Event
	Commit(ev *domain.Event, at time.Time) error
	Discard(id int64)
}

// ReachableTask determines whether a device answers SNMP at all, and gates
// every other task for the device within the same scheduling cycle.
type ReachableTask struct {
	Sessions      SessionProvider
	Events        Events
	MaxFailures   int
	failuresByDev map[string]int
}

func (t *ReachableTask) Name() string { return "reachable" }

// Run polls sysUpTime. On success it records "device reachable again" as the
// last event of any open reachability event, leaving that event open, and
// marks tc.State reachable for downstream tasks to check. On MaxFailures
// (default 2) consecutive failures it opens a reachability event.
func (t *ReachableTask) Run(ctx context.Context, tc *TaskContext) error {
	if t.failuresByDev == nil {
		t.failuresByDev = make(map[string]int)
	}
	maxFailures := t.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 2
	}

	sess, err := t.Sessions.Session(tc.Device)
	key := domain.Key{Router: tc.Device.Name, Type: domain.TypeReachability}

	if err == nil {
		_, err = sess.Get(ctx, []string{oidSysUpTime})
	}

	if err != nil {
		t.failuresByDev[tc.Device.Name]++
		tc.State.ReachableInLastRun = false
		if t.failuresByDev[tc.Device.Name] < maxFailures {
			return nil
		}
		id, _, gerr := t.Events.GetOrCreate(key, tc.Now)
		if gerr != nil {
			return gerr
		}
		ev := t.Events.Checkout(id)
		ev.Reachability = &domain.ReachabilityPayload{Reachability: "down"}
		ev.LastEvent = "device unreachable"
		if ev.State == domain.StateEmbryonic {
			_ = ev.SetState(domain.StateOpen, "zino", tc.Now)
		}
		return t.Events.Commit(ev, tc.Now)
	}

	t.failuresByDev[tc.Device.Name] = 0
	tc.State.ReachableInLastRun = true

	if rtt := sess.RTTMillis(); rtt.Samples > 0 {
		tc.State.RTT.SamplesMS = append(tc.State.RTT.SamplesMS, rtt.MeanMS)
		if len(tc.State.RTT.SamplesMS) > 64 {
			tc.State.RTT.SamplesMS = tc.State.RTT.SamplesMS[len(tc.State.RTT.SamplesMS)-64:]
		}
	}

	id, created, err := t.Events.GetOrCreate(key, tc.Now)
	if err != nil {
		return err
	}
	if created {
		t.Events.Discard(id) // nothing open, nothing to close, don't leave a ghost
		return nil
	}
	ev := t.Events.Checkout(id)
	if ev == nil || ev.State == domain.StateClosed {
		return nil
	}
	ev.LastEvent = "device reachable again"
	return t.Events.Commit(ev, tc.Now)
}

func mustReachable(tc *TaskContext) bool {
	return tc.State.ReachableInLastRun
}

// LinkStateTask bulk-walks the interface table and reconciles it against
// the cached interface state, applying watch/ignore filtering and driving
// the flap tracker.
type LinkStateTask struct {
	Sessions           SessionProvider
	Events             Events
	Flaps              *store.FlapTracker
	SuppressNewIfaces  bool
}

func (t *LinkStateTask) Name() string { return "linkstate" }

func (t *LinkStateTask) Run(ctx context.Context, tc *TaskContext) error {
	if !mustReachable(tc) || !tc.Device.EnableIfStats {
		return nil
	}
	sess, err := t.Sessions.Session(tc.Device)
	if err != nil {
		return err
	}

	descrs, err := sess.WalkAll(ctx, oidIfDescr)
	if err != nil {
		return fmt.Errorf("walk ifDescr: %w", err)
	}
	aliases, _ := sess.WalkAll(ctx, oidIfAlias)
	opers, err := sess.WalkAll(ctx, oidIfOperStatus)
	if err != nil {
		return fmt.Errorf("walk ifOperStatus: %w", err)
	}
	admins, _ := sess.WalkAll(ctx, oidIfAdminStatus)
	lastChanges, _ := sess.WalkAll(ctx, oidIfLastChange)

	descrByIdx := indexByLastOID(descrs, toString)
	aliasByIdx := indexByLastOID(aliases, toString)
	operByIdx := indexByLastOID(opers, statusString)
	adminByIdx := indexByLastOID(admins, statusString)
	changeByIdx := indexByLastOID(lastChanges, toUint32)

	ifindexes := make([]int, 0, len(descrByIdx))
	for idx := range descrByIdx {
		ifindexes = append(ifindexes, idx)
	}
	sort.Ints(ifindexes)

	for _, idx := range ifindexes {
		alias := aliasByIdx[idx].(string)
		if tc.Device.InterfaceIgnored(alias) {
			continue
		}
		oper, _ := operByIdx[idx].(string)
		admin, _ := adminByIdx[idx].(string)
		descr, _ := descrByIdx[idx].(string)
		lastChangeTicks, _ := changeByIdx[idx].(uint32)

		prev, existed := tc.State.Interfaces[idx]
		if !existed {
			tc.State.Interfaces[idx] = &domain.InterfaceState{
				IfIndex: idx, IfDescr: descr, IfAlias: alias,
				OperState: oper, AdminState: admin, LastChange: lastChangeTicks,
			}
			if t.SuppressNewIfaces {
				continue
			}
		}

		changed := existed && (prev.OperState != oper || prev.AdminState != admin)
		if !changed {
			if existed {
				prev.IfDescr, prev.IfAlias = descr, alias
			}
			continue
		}

		prev.OperState, prev.AdminState, prev.LastChange = oper, admin, lastChangeTicks

		flapState, flaps := t.Flaps.RecordTransition(tc.Device.Name, idx, tc.Now)

		key := domain.Key{Router: tc.Device.Name, SubIndex: fmt.Sprintf("%d", idx), Type: domain.TypePortstate}
		id, _, err := t.Events.GetOrCreate(key, tc.Now)
		if err != nil {
			return err
		}
		ev := t.Events.Checkout(id)
		if ev.State == domain.StateClosed {
			continue
		}
		if ev.Portstate == nil {
			ev.Portstate = &domain.PortstatePayload{}
		}
		ev.Portstate.IfIndex = idx
		ev.Portstate.Port = descr
		ev.Portstate.Descr = alias
		ev.Portstate.PortState = oper
		ev.Portstate.FlapState = flapState
		ev.Flaps = flaps
		ev.LastEvent = fmt.Sprintf("port %s changed state to %s", descr, oper)
		ev.AddLog(ev.LastEvent, tc.Now)
		if ev.State == domain.StateEmbryonic {
			_ = ev.SetState(domain.StateOpen, "zino", tc.Now)
		}
		if err := t.Events.Commit(ev, tc.Now); err != nil {
			return err
		}
	}
	return nil
}

// BGPStateMonitorTask walks the BGP peer state column and creates/updates
// bgp events for peers whose state is not established. The peer's admin
// status is not polled.
type BGPStateMonitorTask struct {
	Sessions SessionProvider
	Events   Events
}

func (t *BGPStateMonitorTask) Name() string { return "bgp" }

func (t *BGPStateMonitorTask) Run(ctx context.Context, tc *TaskContext) error {
	if !mustReachable(tc) || !tc.Device.EnableBGP {
		return nil
	}
	sess, err := t.Sessions.Session(tc.Device)
	if err != nil {
		return err
	}
	root := bgpPeerOIDRoot(tc.State.BGPStyle)
	pdus, err := sess.WalkAll(ctx, root)
	if err != nil {
		return fmt.Errorf("walk bgp peer table: %w", err)
	}
	peerStates := []string{"idle", "connect", "active", "opensent", "openconfirm", "established"}
	byPeer := indexByLastOID(pdus, func(p gosnmp.SnmpPDU) interface{} {
		if n := toInt(p); n >= 1 && n <= len(peerStates) {
			return peerStates[n-1]
		}
		return toString(p)
	})
	for peerKey, v := range byPeer {
		peer := fmt.Sprintf("%v", peerKey)
		state, _ := v.(string)
		prev, existed := tc.State.BGPPeers[peer]
		if existed && prev.OperState == state {
			continue
		}
		newPeer := &domain.BGPPeerState{PeerAddr: peer, OperState: state}
		tc.State.BGPPeers[peer] = newPeer

		if state == "established" {
			continue // recovery does not close bgp events automatically
		}

		key := domain.Key{Router: tc.Device.Name, SubIndex: peer, Type: domain.TypeBGP}
		id, _, err := t.Events.GetOrCreate(key, tc.Now)
		if err != nil {
			return err
		}
		ev := t.Events.Checkout(id)
		if ev.State == domain.StateClosed {
			continue
		}
		if ev.BGP == nil {
			ev.BGP = &domain.BGPPayload{}
		}
		ev.BGP.RemoteAddr = peer
		ev.LastEvent = fmt.Sprintf("bgp peer %s state %s", peer, state)
		ev.AddLog(ev.LastEvent, tc.Now)
		if ev.State == domain.StateEmbryonic {
			_ = ev.SetState(domain.StateOpen, "zino", tc.Now)
		}
		if err := t.Events.Commit(ev, tc.Now); err != nil {
			return err
		}
	}
	return nil
}

func bgpPeerOIDRoot(style string) string {
	switch style {
	case "juniper":
		return ".1.3.6.1.4.1.2636.5.1.1.2.1.1.1.2" // jnxBgpM2PeerState
	case "cisco":
		return ".1.3.6.1.4.1.9.9.187.1.2.5.1.3" // cbgpPeer2State
	default:
		return ".1.3.6.1.2.1.15.3.1.2" // bgpPeerState (RFC BGP4-MIB)
	}
}

// BFDTask walks the BFD session table and creates/updates bfd events for
// sessions that leave "up". Resolver is called before the event is opened,
// with the session address cached from the previous walk; only
// bfdSessState is walked, so that address is always empty.
type BFDTask struct {
	Sessions SessionProvider
	Events   Events
	Resolver func(addr string) string
}

func (t *BFDTask) Name() string { return "bfd" }

const oidBfdSessState = ".1.3.6.1.2.1.10.246.1.2.1.4" // bfdSessState

func (t *BFDTask) Run(ctx context.Context, tc *TaskContext) error {
	if !mustReachable(tc) {
		return nil
	}
	sess, err := t.Sessions.Session(tc.Device)
	if err != nil {
		return err
	}
	pdus, err := sess.WalkAll(ctx, oidBfdSessState)
	if err != nil {
		return nil // BFD MIB not supported by every device; not an error
	}
	bfdStates := []string{"adminDown", "down", "init", "up"}
	byDiscr := indexByLastOID(pdus, func(p gosnmp.SnmpPDU) interface{} {
		if n := toInt(p); n >= 1 && n <= len(bfdStates) {
			return bfdStates[n-1]
		}
		return "unknown"
	})
	for discr, v := range byDiscr {
		state, _ := v.(string)
		prev, existed := tc.State.BFDSessions[discr]
		if existed && prev.State == state {
			continue
		}
		tc.State.BFDSessions[discr] = &domain.BFDSessionState{Discriminator: discr, State: state}
		if state == "up" {
			continue
		}
		var rdns string
		if t.Resolver != nil && prev != nil {
			rdns = t.Resolver(prev.Addr)
		}
		key := domain.Key{Router: tc.Device.Name, SubIndex: fmt.Sprintf("%d", discr), Type: domain.TypeBFD}
		id, _, err := t.Events.GetOrCreate(key, tc.Now)
		if err != nil {
			return err
		}
		ev := t.Events.Checkout(id)
		if ev.State == domain.StateClosed {
			continue
		}
		if ev.BFD == nil {
			ev.BFD = &domain.BFDPayload{}
		}
		ev.BFD.BFDDiscr = discr
		ev.BFD.BFDState = state
		ev.BFD.NeighRDNS = rdns
		ev.LastEvent = fmt.Sprintf("bfd session %d state %s", discr, state)
		ev.AddLog(ev.LastEvent, tc.Now)
		if ev.State == domain.StateEmbryonic {
			_ = ev.SetState(domain.StateOpen, "zino", tc.Now)
		}
		if err := t.Events.Commit(ev, tc.Now); err != nil {
			return err
		}
	}
	return nil
}

// DefaultResolver performs a blocking reverse DNS lookup, suitable as
// BFDTask.Resolver in production; tests inject a stub instead.
func DefaultResolver(addr string) string {
	names, err := net.LookupAddr(addr)
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

// JuniperAlarmTask polls red/yellow alarm counts on Juniper devices only.
type JuniperAlarmTask struct {
	Sessions SessionProvider
	Events   Events
}

func (t *JuniperAlarmTask) Name() string { return "juniper-alarm" }

const (
	oidJnxRedAlarmCount    = ".1.3.6.1.4.1.2636.3.4.2.1.0"
	oidJnxYellowAlarmCount = ".1.3.6.1.4.1.2636.3.4.2.2.0"
)

func (t *JuniperAlarmTask) Run(ctx context.Context, tc *TaskContext) error {
	if !mustReachable(tc) {
		return nil
	}
	if !tc.State.IsJuniper {
		return nil
	}
	sess, err := t.Sessions.Session(tc.Device)
	if err != nil {
		return err
	}
	pdus, err := sess.Get(ctx, []string{oidJnxRedAlarmCount, oidJnxYellowAlarmCount})
	if err != nil {
		return fmt.Errorf("get juniper alarm counts: %w", err)
	}
	if len(pdus) < 2 {
		return nil
	}
	red := toInt(pdus[0])
	yellow := toInt(pdus[1])

	if err := t.reconcileColor(tc, "red", tc.State.Alarms.Red, red); err != nil {
		return err
	}
	if err := t.reconcileColor(tc, "yellow", tc.State.Alarms.Yellow, yellow); err != nil {
		return err
	}
	tc.State.Alarms.Red, tc.State.Alarms.Yellow = red, yellow
	return nil
}

func (t *JuniperAlarmTask) reconcileColor(tc *TaskContext, color string, prev, cur int) error {
	if prev == cur {
		return nil
	}
	key := domain.Key{Router: tc.Device.Name, SubIndex: color, Type: domain.TypeAlarm}

	if prev == 0 && cur > 0 {
		id, _, err := t.Events.GetOrCreate(key, tc.Now)
		if err != nil {
			return err
		}
		ev := t.Events.Checkout(id)
		if ev.Alarm == nil {
			ev.Alarm = &domain.AlarmPayload{}
		}
		ev.Alarm.AlarmType = color
		ev.Alarm.AlarmCount = cur
		ev.LastEvent = fmt.Sprintf("%s alarms went from 0 to %d", color, cur)
		ev.AddLog(ev.LastEvent, tc.Now)
		if ev.State == domain.StateEmbryonic {
			_ = ev.SetState(domain.StateOpen, "zino", tc.Now)
		}
		return t.Events.Commit(ev, tc.Now)
	}

	if cur == 0 && prev > 0 {
		id, created, err := t.Events.GetOrCreate(key, tc.Now)
		if err != nil {
			return err
		}
		if created {
			t.Events.Discard(id)
			return nil
		}
		ev := t.Events.Checkout(id)
		if ev.State == domain.StateClosed {
			return nil
		}
		ev.Alarm.AlarmCount = 0
		ev.LastEvent = fmt.Sprintf("%s alarms went from %d to 0", color, prev)
		ev.AddLog(ev.LastEvent, tc.Now)
		return t.Events.Commit(ev, tc.Now)
	}

	// count changed but did not cross zero
	id, created, err := t.Events.GetOrCreate(key, tc.Now)
	if err != nil {
		return err
	}
	if created {
		t.Events.Discard(id)
		return nil
	}
	ev := t.Events.Checkout(id)
	if ev.State == domain.StateClosed {
		return nil
	}
	ev.Alarm.AlarmCount = cur
	return t.Events.Commit(ev, tc.Now)
}

// --- varbind decoding helpers -------------------------------------------

func indexByLastOID(pdus []gosnmp.SnmpPDU, decode func(gosnmp.SnmpPDU) interface{}) map[int]interface{} {
	out := make(map[int]interface{}, len(pdus))
	for _, p := range pdus {
		idx := lastOIDComponent(p.Name)
		out[idx] = decode(p)
	}
	return out
}

func lastOIDComponent(oid string) int {
	n := 0
	start := len(oid)
	for i := len(oid) - 1; i >= 0; i-- {
		if oid[i] == '.' {
			start = i + 1
			break
		}
	}
	for _, c := range oid[start:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func toString(p gosnmp.SnmpPDU) interface{} {
	switch v := p.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toUint32(p gosnmp.SnmpPDU) interface{} {
	switch v := p.Value.(type) {
	case uint32:
		return v
	case uint:
		return uint32(v)
	case int:
		return uint32(v)
	default:
		return uint32(0)
	}
}

func toInt(p gosnmp.SnmpPDU) int {
	switch v := p.Value.(type) {
	case int:
		return v
	case uint:
		return int(v)
	case uint32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

func statusString(p gosnmp.SnmpPDU) interface{} {
	n := toInt(p)
	switch n {
	case 1:
		return "up"
	case 2:
		return "down"
	case 3:
		return "testing"
	default:
		return "unknown"
	}
}

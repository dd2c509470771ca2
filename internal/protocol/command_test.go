package protocol

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/store"
)

type fakeEvents struct {
	events map[int64]*domain.Event
}

func newFakeEvents(evs ...*domain.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[int64]*domain.Event)}
	for _, ev := range evs {
		f.events[ev.ID] = ev
	}
	return f
}

func (f *fakeEvents) Get(id int64) *domain.Event      { return f.events[id] }
func (f *fakeEvents) Checkout(id int64) *domain.Event { return f.events[id] }
func (f *fakeEvents) Commit(ev *domain.Event, at time.Time) error {
	f.events[ev.ID] = ev
	return nil
}
func (f *fakeEvents) IterOpen(fn func(*domain.Event)) {
	for _, ev := range f.events {
		fn(ev)
	}
}

type fakeDevices map[string]*domain.Device

func (f fakeDevices) Device(name string) (*domain.Device, bool) {
	d, ok := f[name]
	return d, ok
}

type fakePollers struct{ ran []string }

func (f *fakePollers) RunNow(device *domain.Device) { f.ran = append(f.ran, device.Name) }

type fakeFlaps struct{}

func (fakeFlaps) Clear(router string, ifindex int) {}

// newTestSession wires a commandSession to one end of a net.Pipe and drains
// the other end into a line reader the test can assert against.
func newTestSession(t *testing.T, cfg CommandServerConfig) (*commandSession, *bufio.Scanner) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = serverConn.Close(); _ = clientConn.Close() })
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	sess := newSession(serverConn, cfg)
	sess.authenticated = true
	sess.user = "op"
	return sess, bufio.NewScanner(clientConn)
}

func TestDoSetStateRejectsEmbryonicTarget(t *testing.T) {
	ev := &domain.Event{ID: 1, Router: "sw1", Type: domain.TypeReachability, State: domain.StateOpen}
	events := newFakeEvents(ev)
	sess, scanner := newTestSession(t, CommandServerConfig{Events: events})

	go sess.doSetState("1 embryonic")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "500")
	assert.Equal(t, domain.StateOpen, events.events[1].State, "SETSTATE must not regress an event to embryonic")
}

func TestDoSetStateAcceptsLegalTarget(t *testing.T) {
	ev := &domain.Event{ID: 1, Router: "sw1", Type: domain.TypeReachability, State: domain.StateOpen}
	events := newFakeEvents(ev)
	sess, scanner := newTestSession(t, CommandServerConfig{Events: events})

	go sess.doSetState("1 working")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "200")
	assert.Equal(t, domain.StateWorking, events.events[1].State)
}

func TestDoCommunityIsAGetter(t *testing.T) {
	devices := fakeDevices{"sw1": {Name: "sw1", Community: "public"}}
	sess, scanner := newTestSession(t, CommandServerConfig{Devices: devices})

	go sess.doCommunity("sw1")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "200 public")
}

func TestDoCommunityUnknownRouter(t *testing.T) {
	sess, scanner := newTestSession(t, CommandServerConfig{Devices: fakeDevices{}})

	go sess.doCommunity("sw404")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "500")
}

func TestDoPollIntfParsesRouterSeparateFromIfindex(t *testing.T) {
	devices := fakeDevices{"sw1": {Name: "sw1"}}
	pollers := &fakePollers{}
	sess, scanner := newTestSession(t, CommandServerConfig{Devices: devices, Sched: pollers})

	go sess.doPollIntf("sw1 42")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "200")
	assert.Equal(t, []string{"sw1"}, pollers.ran)
}

func TestDoPollIntfRejectsNonNumericIfindex(t *testing.T) {
	devices := fakeDevices{"sw1": {Name: "sw1"}}
	pollers := &fakePollers{}
	sess, scanner := newTestSession(t, CommandServerConfig{Devices: devices, Sched: pollers})

	go sess.doPollIntf("sw1 notanumber")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "500")
	assert.Empty(t, pollers.ran)
}

func TestDoPMLogAndHelp(t *testing.T) {
	pms := store.NewPMStore()
	now := time.Now()
	id := pms.Add(&domain.PlannedMaintenance{StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)})
	pms.AddLog(id, "started", now)

	sess, scanner := newTestSession(t, CommandServerConfig{PMs: pms})
	go sess.doPM("LOG 1")
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "300")
	drainMultiline(t, scanner)

	sess2, scanner2 := newTestSession(t, CommandServerConfig{PMs: pms})
	go sess2.doPM("HELP")
	require.True(t, scanner2.Scan())
	assert.Contains(t, scanner2.Text(), "300")
	drainMultiline(t, scanner2)
}

func drainMultiline(t *testing.T, scanner *bufio.Scanner) {
	t.Helper()
	for scanner.Scan() {
		if scanner.Text() == "." {
			return
		}
	}
}

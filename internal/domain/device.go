package domain

import "regexp"

// Device is the parsed, immutable view of one pollfile device block.
// A pollfile reload always produces a brand-new Device value; existing
// Device values are never mutated in place, so a hot reload can swap the
// registry without racing readers holding an old *Device.
type Device struct {
	Name           string
	Address        string
	Community      string
	SNMPVersion    string // "v1" or "v2c"
	Port           int
	Timeout        int // seconds
	Retries        int
	IntervalMin    int
	Priority       int
	Domain         string
	EnableBGP      bool
	EnableIfStats  bool
	MaxRepetitions int

	WatchPattern  string
	IgnorePattern string

	watchRE  *regexp.Regexp
	ignoreRE *regexp.Regexp
}

// Compile lazily compiles the watch/ignore patterns. Called once when the
// registry is built; a Device is treated as immutable afterwards.
func (d *Device) Compile() error {
	if d.WatchPattern != "" {
		re, err := regexp.Compile(d.WatchPattern)
		if err != nil {
			return err
		}
		d.watchRE = re
	}
	if d.IgnorePattern != "" {
		re, err := regexp.Compile(d.IgnorePattern)
		if err != nil {
			return err
		}
		d.ignoreRE = re
	}
	return nil
}

// InterfaceIgnored reports whether an interface with the given ifAlias
// should be excluded from portstate monitoring. ignorepat wins over
// watchpat; when only watchpat is set, an interface must match it to be
// watched at all.
func (d *Device) InterfaceIgnored(ifAlias string) bool {
	if d.ignoreRE != nil && d.ignoreRE.MatchString(ifAlias) {
		return true
	}
	if d.watchRE != nil {
		return !d.watchRE.MatchString(ifAlias)
	}
	return false
}

// Equal reports whether two devices have identical attributes relevant to
// scheduling (used to decide whether a pollfile reload must reschedule this
// device's jobs).
func (d *Device) Equal(other *Device) bool {
	if other == nil {
		return false
	}
	return d.Name == other.Name &&
		d.Address == other.Address &&
		d.Community == other.Community &&
		d.SNMPVersion == other.SNMPVersion &&
		d.Port == other.Port &&
		d.Timeout == other.Timeout &&
		d.Retries == other.Retries &&
		d.IntervalMin == other.IntervalMin &&
		d.Priority == other.Priority &&
		d.Domain == other.Domain &&
		d.EnableBGP == other.EnableBGP &&
		d.EnableIfStats == other.EnableIfStats &&
		d.MaxRepetitions == other.MaxRepetitions &&
		d.WatchPattern == other.WatchPattern &&
		d.IgnorePattern == other.IgnorePattern
}

// InterfaceState is the cached, per-ifindex observation of one interface.
type InterfaceState struct {
	IfIndex    int
	IfDescr    string
	IfAlias    string
	OperState  string
	AdminState string
	LastChange uint32 // sysUptime ticks (1/100s) at last operational change
}

// BGPPeerState is the cached, per-peer observation of one BGP session.
type BGPPeerState struct {
	PeerAddr   string
	AdminState string
	OperState  string
	RemoteAS   int
	Uptime     int // seconds
}

// BFDSessionState is the cached, per-discriminator observation of one BFD session.
type BFDSessionState struct {
	Discriminator int
	State         string
	Addr          string
	AddrType      string
}

// AlarmCounts tracks Juniper red/yellow alarm counters.
type AlarmCounts struct {
	Red    int
	Yellow int
}

// RTTStats is a rolling list of mean SNMP round-trip times for one device,
// filled in by ReachableTask. GETATTRS and the other protocol commands do
// not report it, and it never gates event creation.
type RTTStats struct {
	SamplesMS []float64
}

// DeviceState is the per-device observation cache. Created on first
// successful poll, mutated only by task runs and trap handlers.
type DeviceState struct {
	Name               string
	ReachableInLastRun bool
	IsJuniper          bool
	IsCisco            bool
	EnterpriseID       int
	BGPStyle           string // "juniper", "cisco", "general"

	Interfaces  map[int]*InterfaceState
	BGPPeers    map[string]*BGPPeerState
	BFDSessions map[int]*BFDSessionState
	Alarms      AlarmCounts

	RTT RTTStats
}

// NewDeviceState returns a freshly initialized, empty DeviceState.
func NewDeviceState(name string) *DeviceState {
	return &DeviceState{
		Name:        name,
		Interfaces:  make(map[int]*InterfaceState),
		BGPPeers:    make(map[string]*BGPPeerState),
		BFDSessions: make(map[int]*BFDSessionState),
	}
}

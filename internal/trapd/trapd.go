// Package trapd is a standalone UDP SNMP trap listener that turns incoming
// traps into scheduler work: trap-directed polling of the originating
// device, rather than direct event creation from trap contents.
package trapd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c-robinson/iplib"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
)

// Trap is the minimal parsed shape handed to the dispatch table: which
// device it came from and which OID fired, everything else is retrievable
// from Varbinds if a handler needs it.
type Trap struct {
	Source    net.IP
	Community string
	OID       string
	Varbinds  []gosnmp.SnmpPDU
	Received  time.Time
}

// Config controls the trap listener.
type Config struct {
	ListenAddr       string
	Community        string
	OutputBufferSize int
	// AllowedSources restricts accepted trap sources to these CIDR blocks.
	// An empty list accepts traps from any source (community string is
	// still checked).
	AllowedSources []string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:162"
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 4096
	}
	return c
}

// Receiver listens for UDP SNMP traps and republishes them on Output().
type Receiver struct {
	cfg      Config
	log      *zap.Logger
	nets     []iplib.Net
	output   chan Trap
	listener *gosnmp.TrapListener

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Receiver. AllowedSources entries that fail to parse as CIDR
// are skipped with a warning rather than failing construction, since a
// single bad config line should not take down trap reception entirely.
func New(cfg Config, log *zap.Logger) *Receiver {
	c := cfg.withDefaults()
	r := &Receiver{
		cfg:    c,
		log:    log,
		output: make(chan Trap, c.OutputBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, cidr := range c.AllowedSources {
		_, n, err := iplib.ParseCIDR(cidr)
		if err != nil {
			log.Warn("trapd: skipping unparsable allowed source", zap.String("cidr", cidr), zap.Error(err))
			continue
		}
		r.nets = append(r.nets, n)
	}
	return r
}

// Output returns the channel traps are delivered on. Closed when Stop runs.
func (r *Receiver) Output() <-chan Trap {
	return r.output
}

// Start binds the UDP listener and blocks until it is ready to receive.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("trapd: already running")
	}
	r.running = true
	r.mu.Unlock()

	tl := gosnmp.NewTrapListener()
	tl.Params = &gosnmp.GoSNMP{
		Version:   gosnmp.Version2c,
		Community: r.cfg.Community,
	}
	tl.OnNewTrap = r.handle
	r.listener = tl

	errCh := make(chan error, 1)
	go func() {
		defer close(r.doneCh)
		errCh <- tl.Listen(r.cfg.ListenAddr)
	}()

	select {
	case <-tl.Listening():
		r.log.Info("trapd: listening", zap.String("addr", r.cfg.ListenAddr))
	case err := <-errCh:
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("trapd: listen %s: %w", r.cfg.ListenAddr, err)
	case <-ctx.Done():
		tl.Close()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return ctx.Err()
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopCh:
		}
	}()
	return nil
}

// Stop shuts the listener down. Safe to call more than once.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if r.listener != nil {
		r.listener.Close()
	}
	close(r.stopCh)
	<-r.doneCh
	close(r.output)
}

func (r *Receiver) handle(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	if !r.sourceAllowed(addr.IP) {
		r.log.Warn("trapd: rejected trap from disallowed source", zap.String("addr", addr.String()))
		return
	}
	trap := Trap{
		Source:    addr.IP,
		Community: pkt.Community,
		Varbinds:  pkt.Variables,
		Received:  time.Now(),
	}
	for _, v := range pkt.Variables {
		if v.Name == ".1.3.6.1.6.3.1.1.4.1.0" { // snmpTrapOID.0
			if oid, ok := v.Value.(string); ok {
				trap.OID = oid
			}
		}
	}
	select {
	case r.output <- trap:
	default:
		r.log.Warn("trapd: output buffer full, trap dropped", zap.String("addr", addr.String()))
	}
}

func (r *Receiver) sourceAllowed(ip net.IP) bool {
	if len(r.nets) == 0 {
		return true
	}
	for _, n := range r.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

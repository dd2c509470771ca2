package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/snmpclient"
)

// SessionPool hands out one long-lived SNMP session per device, dialing
// lazily on first use and redialing if a previous session was closed out
// from under it (e.g. after the device's address changed on reload).
type SessionPool struct {
	mu       sync.Mutex
	sessions map[string]*snmpclient.Session
	devAddr  map[string]string // last dialed address+port, to detect reload changes
}

// NewSessionPool returns an empty pool.
func NewSessionPool() *SessionPool {
	return &SessionPool{
		sessions: make(map[string]*snmpclient.Session),
		devAddr:  make(map[string]string),
	}
}

// Session returns a connected session for device, satisfying
// scheduler.SessionProvider.
func (p *SessionPool) Session(device *domain.Device) (snmpclient.Client, error) {
	key := device.Name
	addrKey := fmt.Sprintf("%s:%d", device.Address, device.Port)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		if p.devAddr[key] == addrKey {
			return s, nil
		}
		_ = s.Close()
		delete(p.sessions, key)
	}

	port := device.Port
	if port == 0 {
		port = 161
	}
	timeout := time.Duration(device.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s, err := snmpclient.Dial(snmpclient.Config{
		Target:         device.Address,
		Port:           uint16(port),
		Community:      device.Community,
		Version:        device.SNMPVersion,
		Timeout:        timeout,
		Retries:        device.Retries,
		MaxRepetitions: uint32(device.MaxRepetitions),
	})
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	p.devAddr[key] = addrKey
	return s, nil
}

// CloseAll closes every pooled session, used during shutdown.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, s := range p.sessions {
		_ = s.Close()
		delete(p.sessions, name)
	}
}

// Package snmpclient wraps gosnmp behind a small interface tailored to the
// polling patterns this system needs: scalar gets, table walks, and a
// rolling record of round-trip time per device.
package snmpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/montanaflynn/stats"
)

// Client is the interface tasks poll through. A fake implementation backs
// scheduler tests without a real network round trip.
type Client interface {
	Get(ctx context.Context, oids []string) ([]gosnmp.SnmpPDU, error)
	WalkAll(ctx context.Context, rootOID string) ([]gosnmp.SnmpPDU, error)
	Close() error
	// RTTMillis returns the summary statistics of recent round-trip times.
	RTTMillis() RTTSummary
}

// RTTSummary is a rolling snapshot of SNMP round-trip time. ReachableTask
// copies its mean into the device state; no protocol command reports it,
// and it never gates task scheduling.
type RTTSummary struct {
	Samples int
	MeanMS  float64
	P95MS   float64
}

// Session wraps a connected *gosnmp.GoSNMP with round-trip time tracking.
type Session struct {
	conn    *gosnmp.GoSNMP
	samples []float64
	maxKeep int
}

// Config describes how to reach one device over SNMP.
type Config struct {
	Target         string
	Port           uint16
	Community      string
	Version        string // "v1" or "v2c"
	Timeout        time.Duration
	Retries        int
	MaxRepetitions uint32
}

// Dial opens and connects a new SNMP session for cfg.
func Dial(cfg Config) (*Session, error) {
	g := &gosnmp.GoSNMP{
		Target:    cfg.Target,
		Port:      cfg.Port,
		Community: cfg.Community,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		MaxOids:   60,
	}
	switch cfg.Version {
	case "v1":
		g.Version = gosnmp.Version1
	default:
		g.Version = gosnmp.Version2c
	}
	if cfg.MaxRepetitions > 0 {
		g.MaxRepetitions = cfg.MaxRepetitions
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s:%d: %w", cfg.Target, cfg.Port, err)
	}
	return &Session{conn: g, maxKeep: 64}, nil
}

// Get performs an SNMP GET, batching in groups of MaxOids as gosnmp requires.
func (s *Session) Get(ctx context.Context, oids []string) ([]gosnmp.SnmpPDU, error) {
	if len(oids) == 0 {
		return nil, nil
	}
	maxOids := int(s.conn.MaxOids)
	if maxOids <= 0 {
		maxOids = 60
	}
	var all []gosnmp.SnmpPDU
	for i := 0; i < len(oids); i += maxOids {
		end := i + maxOids
		if end > len(oids) {
			end = len(oids)
		}
		start := time.Now()
		pkt, err := s.conn.Get(oids[i:end])
		s.record(time.Since(start))
		if err != nil {
			return all, fmt.Errorf("snmp get %s: %w", s.conn.Target, err)
		}
		all = append(all, pkt.Variables...)
	}
	return all, nil
}

// WalkAll performs a version-appropriate walk (GetNext for v1, GetBulk for
// v2c) of everything under rootOID.
func (s *Session) WalkAll(ctx context.Context, rootOID string) ([]gosnmp.SnmpPDU, error) {
	start := time.Now()
	var (
		pdus []gosnmp.SnmpPDU
		err  error
	)
	if s.conn.Version == gosnmp.Version1 {
		pdus, err = s.conn.WalkAll(rootOID)
	} else {
		pdus, err = s.conn.BulkWalkAll(rootOID)
	}
	s.record(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("snmp walk %s %s: %w", s.conn.Target, rootOID, err)
	}
	return pdus, nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Conn.Close()
}

func (s *Session) record(d time.Duration) {
	s.samples = append(s.samples, float64(d.Microseconds())/1000.0)
	if len(s.samples) > s.maxKeep {
		s.samples = s.samples[len(s.samples)-s.maxKeep:]
	}
}

// RTTMillis summarizes the recorded round-trip time samples using
// montanaflynn/stats, tolerating the empty case cleanly.
func (s *Session) RTTMillis() RTTSummary {
	if len(s.samples) == 0 {
		return RTTSummary{}
	}
	mean, _ := stats.Mean(s.samples)
	p95, _ := stats.Percentile(s.samples, 95)
	return RTTSummary{Samples: len(s.samples), MeanMS: mean, P95MS: p95}
}

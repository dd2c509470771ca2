package notifychannel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	gomail "gopkg.in/gomail.v2"

	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/store"
)

// DigestChannel batches event-store changes and mails a summary at a fixed
// interval, rather than sending one message per event, since operators
// asked for a low-volume mail channel alongside the always-on notify port.
type DigestChannel struct {
	Dialer   *gomail.Dialer
	From     string
	To       []string
	Interval time.Duration
	Log      *zap.Logger

	mu      sync.Mutex
	pending []string
	stop    chan struct{}
}

// NewDigestChannel builds a digest channel that sends via addr with no
// authentication beyond what smtpUser/smtpPass provide (both may be empty
// for an open relay on the local network).
func NewDigestChannel(addr string, port int, smtpUser, smtpPass, from string, to []string, interval time.Duration, log *zap.Logger) *DigestChannel {
	dialer := gomail.NewDialer(addr, port, smtpUser, smtpPass)
	return &DigestChannel{Dialer: dialer, From: from, To: to, Interval: interval, Log: log, stop: make(chan struct{})}
}

// Subscribe registers the digest against bus's change topics and starts its
// periodic flush loop.
func (c *DigestChannel) Subscribe(bus EventBus.Bus) {
	_ = bus.Subscribe(store.TopicEventCreated, c.record("opened"))
	_ = bus.Subscribe(store.TopicEventUpdated, c.record("updated"))
	_ = bus.Subscribe(store.TopicEventClosed, c.record("closed"))
	go c.loop()
}

// Stop halts the flush loop, sending one final digest if anything is queued.
func (c *DigestChannel) Stop() {
	close(c.stop)
}

func (c *DigestChannel) record(reason string) func(store.Change) {
	return func(change store.Change) {
		line := fmt.Sprintf("%s %s %s %s: %s", time.Now().Format(time.RFC3339), change.Event.Router, change.Event.Type, reason, change.Event.State)
		c.mu.Lock()
		c.pending = append(c.pending, line)
		c.mu.Unlock()
	}
}

func (c *DigestChannel) loop() {
	interval := c.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *DigestChannel) flush() {
	c.mu.Lock()
	lines := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(lines) == 0 || len(c.To) == 0 {
		return
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.From)
	m.SetHeader("To", c.To...)
	m.SetHeader("Subject", fmt.Sprintf("event digest: %d changes", len(lines)))
	m.SetBody("text/plain", strings.Join(lines, "\n"))

	if err := c.Dialer.DialAndSend(m); err != nil {
		c.Log.Warn("digest mail delivery failed", zap.Error(err), zap.Int("changes", len(lines)))
	}
}

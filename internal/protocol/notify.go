package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/store"
)

// notifyQueueSize bounds how many pending change lines a slow notify client
// can fall behind by before this server starts dropping the oldest ones.
const notifyQueueSize = 256

// NotifyChannel is one connected push-notification client. Its nonce is both
// its identity in the registry and the value a command session hands back
// via NTIE to associate itself with this channel.
// A channel only receives event-change lines once tied, per the NTIE
// handshake: opening the notify port and receiving a nonce is not enough.
type NotifyChannel struct {
	nonce string
	conn  net.Conn
	out   chan string
	done  chan struct{}
	tied  atomic.Bool
}

// Tie marks the channel as bound to a command session, per that session's
// NTIE handler. Before this is called, send is a no-op.
func (c *NotifyChannel) Tie() {
	c.tied.Store(true)
}

func (c *NotifyChannel) send(line string) {
	if !c.tied.Load() {
		return
	}
	select {
	case c.out <- line:
	default:
		// Slow consumer: drop the oldest queued line to make room rather than
		// block the publisher or grow without bound.
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- line:
		default:
		}
	}
}

// Close terminates the underlying connection and its writer goroutine.
func (c *NotifyChannel) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

// NotifyServer accepts connections on the push-notification port, issues
// each one a random nonce as its opening line, and fans out event store
// changes to every connected channel that has been tied via NTIE.
type NotifyServer struct {
	addr string
	log  *zap.Logger
	bus  EventBus.Bus

	mu       sync.Mutex
	byNonce  map[string]*NotifyChannel
	listener net.Listener
}

// NewNotifyServer builds a server bound to addr, subscribing to bus so
// every committed event change is broadcast to connected, tied channels.
func NewNotifyServer(addr string, bus EventBus.Bus, log *zap.Logger) *NotifyServer {
	s := &NotifyServer{addr: addr, log: log, bus: bus, byNonce: make(map[string]*NotifyChannel)}
	_ = bus.Subscribe(store.TopicEventCreated, s.onCreated)
	_ = bus.Subscribe(store.TopicEventUpdated, s.onUpdated)
	_ = bus.Subscribe(store.TopicEventClosed, s.onClosed)
	return s
}

// ByNonce returns the channel registered under nonce, used by a command
// session's NTIE handler.
func (s *NotifyServer) ByNonce(nonce string) (*NotifyChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byNonce[nonce]
	return c, ok
}

// Start begins accepting connections. It returns once the listener is bound;
// Accept loops run in a background goroutine.
func (s *NotifyServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on notify port %s: %w", s.addr, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every connected channel.
func (s *NotifyServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	channels := make([]*NotifyChannel, 0, len(s.byNonce))
	for _, c := range s.byNonce {
		channels = append(channels, c)
	}
	s.byNonce = make(map[string]*NotifyChannel)
	s.mu.Unlock()
	for _, c := range channels {
		c.Close()
	}
}

func (s *NotifyServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *NotifyServer) handle(conn net.Conn) {
	nonce := generateNonce()
	channel := &NotifyChannel{nonce: nonce, conn: conn, out: make(chan string, notifyQueueSize), done: make(chan struct{})}

	s.mu.Lock()
	s.byNonce[nonce] = channel
	s.mu.Unlock()

	w := bufio.NewWriter(conn)
	if err := respondRaw(w, nonce); err != nil {
		s.unregister(nonce)
		_ = conn.Close()
		return
	}

	defer func() {
		s.unregister(nonce)
		_ = conn.Close()
	}()

	for {
		select {
		case <-channel.done:
			return
		case line := <-channel.out:
			if err := respondRaw(w, line); err != nil {
				return
			}
		}
	}
}

func (s *NotifyServer) unregister(nonce string) {
	s.mu.Lock()
	delete(s.byNonce, nonce)
	s.mu.Unlock()
}

func (s *NotifyServer) onCreated(change store.Change) {
	s.broadcast(fmt.Sprintf("%d state %s", change.Event.ID, change.Event.State))
}

func (s *NotifyServer) onUpdated(change store.Change) {
	if change.StateChange {
		s.broadcast(fmt.Sprintf("%d state %s", change.Event.ID, change.Event.State))
		return
	}
	s.broadcast(fmt.Sprintf("%d attr updated", change.Event.ID))
}

func (s *NotifyServer) onClosed(change store.Change) {
	s.broadcast(fmt.Sprintf("%d state closed", change.Event.ID))
}

func (s *NotifyServer) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byNonce {
		c.send(line)
	}
}

// generateNonce returns a fresh random hex token, using the same
// sha1-of-random-bytes construction as the command protocol's auth
// challenge so both share one notion of "unguessable token".
func generateNonce() string {
	buf := make([]byte, 40)
	_, _ = rand.Read(buf)
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}

// NewChallenge is exported for the command protocol's USER challenge.
func NewChallenge() string {
	return generateNonce()
}

// Package protocol implements the two line-oriented TCP protocols this
// system exposes to operator clients: the command port, which accepts
// authenticated, dot-terminated multiline requests and returns coded
// responses, and the notify port, which pushes event-change lines to
// clients that have registered via a nonce handshake.
package protocol

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/persist"
)

// Events is the subset of *store.EventStore the command protocol needs.
type Events interface {
	Get(id int64) *domain.Event
	Checkout(id int64) *domain.Event
	Commit(ev *domain.Event, at time.Time) error
	IterOpen(fn func(*domain.Event))
}

// PMs is the subset of *store.PMStore the command protocol needs.
type PMs interface {
	Add(pm *domain.PlannedMaintenance) int
	Cancel(id int) bool
	Get(id int) *domain.PlannedMaintenance
	List() []*domain.PlannedMaintenance
	AddLog(id int, text string, at time.Time) bool
}

// Flaps is the subset of *store.FlapTracker the command protocol needs.
type Flaps interface {
	Clear(router string, ifindex int)
}

// Devices resolves device names for POLLRTR/POLLINTF and COMMUNITY.
type Devices interface {
	Device(name string) (*domain.Device, bool)
}

// Pollers triggers an out-of-schedule task run for one device, used by
// POLLRTR/POLLINTF to satisfy an operator's request for a fresh poll instead
// of waiting for the next tick.
type Pollers interface {
	RunNow(device *domain.Device)
}

// CommandServerConfig bundles everything a CommandServer needs to serve
// authenticated sessions.
type CommandServerConfig struct {
	Addr    string
	Auth    Authenticator
	Events  Events
	PMs     PMs
	Flaps   Flaps
	Devices Devices
	Sched   Pollers
	Notify  *NotifyServer
	Audit   *persist.AuditJournal
	Log     *zap.Logger
}

// CommandServer accepts connections on the operator command port.
type CommandServer struct {
	cfg      CommandServerConfig
	listener net.Listener
}

// NewCommandServer builds a server from cfg.
func NewCommandServer(cfg CommandServerConfig) *CommandServer {
	return &CommandServer{cfg: cfg}
}

// Start binds the listener and begins serving connections in the background.
func (s *CommandServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on command port %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener. In-flight sessions run to completion.
func (s *CommandServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *CommandServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess := newSession(conn, s.cfg)
		go sess.run()
	}
}

// commandSession is one connected, possibly-authenticated operator client.
type commandSession struct {
	cfg       CommandServerConfig
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	log       *zap.Logger
	sessionID string

	authenticated bool
	user          string
	challenge     string

	tiedNotify *NotifyChannel

	// multiline holds pending state while a dot-terminated body is read for
	// a command like ADDHIST that needs one; nil outside that mode.
	multiline *multilineState
}

type multilineState struct {
	verb  string
	args  string
	lines []string
}

func newSession(conn net.Conn, cfg CommandServerConfig) *commandSession {
	id := NewSessionID()
	return &commandSession{
		cfg:       cfg,
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		log:       cfg.Log.With(zap.String("session", id), zap.String("remote", conn.RemoteAddr().String())),
		sessionID: id,
	}
}

func (s *commandSession) run() {
	defer func() {
		if s.tiedNotify != nil {
			s.tiedNotify.Close()
		}
		_ = s.conn.Close()
	}()

	s.challenge = NewChallenge()
	if err := respondRaw(s.w, fmt.Sprintf("200 hello %s", s.challenge)); err != nil {
		return
	}

	for {
		raw, err := s.r.ReadString('\n')
		if err != nil {
			return
		}
		line := sanitizeLine(raw)
		if s.multiline != nil {
			if s.consumeMultilineLine(line) {
				continue
			}
		}
		if s.dispatch(line) == errQuit {
			return
		}
	}
}

var errQuit = fmt.Errorf("quit")

// consumeMultilineLine appends line to the pending multiline body, or
// finishes it and runs the deferred command if line is a bare ".". Returns
// true if the line was consumed as part of multiline collection.
func (s *commandSession) consumeMultilineLine(raw string) bool {
	line := strings.TrimRight(raw, "\r\n")
	if line == "." {
		body := s.multiline
		s.multiline = nil
		s.finishMultiline(body)
		return true
	}
	s.multiline.lines = append(s.multiline.lines, line)
	return true
}

func (s *commandSession) finishMultiline(body *multilineState) {
	text := strings.Join(body.lines, "\n")
	switch body.verb {
	case "ADDHIST":
		s.doAddHist(body.args, text)
	case "PM":
		s.doPMAddLogMultiline(body.args, text)
	default:
		_ = respondSimple(s.w, CodeError, "internal error: unknown multiline command")
	}
}

func (s *commandSession) dispatch(raw string) error {
	verb, rest := splitCommand(raw)
	if verb == "" {
		return nil
	}

	if !s.authenticated && verb != "USER" && verb != "HELP" && verb != "QUIT" && verb != "VERSION" {
		_ = respondSimple(s.w, CodeError, "not authenticated")
		return nil
	}

	switch verb {
	case "USER":
		s.doUser(rest)
	case "QUIT":
		_ = respondSimple(s.w, CodeBye, "Bye")
		return errQuit
	case "HELP":
		s.doHelp()
	case "VERSION":
		_ = respondSimple(s.w, CodeOK, "zino version 5")
	case "CASEIDS":
		s.doCaseIDs()
	case "GETATTRS":
		s.doGetAttrs(rest)
	case "GETHIST":
		s.doGetHist(rest)
	case "GETLOG":
		s.doGetLog(rest)
	case "ADDHIST":
		s.beginAddHist(rest)
	case "SETSTATE":
		s.doSetState(rest)
	case "COMMUNITY":
		s.doCommunity(rest)
	case "NTIE":
		s.doNtie(rest)
	case "POLLRTR":
		s.doPollRtr(rest)
	case "POLLINTF":
		s.doPollIntf(rest)
	case "CLEARFLAP":
		s.doClearFlap(rest)
	case "PM":
		s.doPM(rest)
	default:
		_ = respondSimple(s.w, CodeError, "unknown command")
	}
	return nil
}

func (s *commandSession) doUser(rest string) {
	args := fields(rest)
	if len(args) != 2 {
		_ = respondSimple(s.w, CodeError, "usage: USER <username> <response>")
		return
	}
	user, response := args[0], args[1]
	if err := s.cfg.Auth.Authenticate(user, s.challenge, response); err != nil {
		s.log.Warn("authentication failed", zap.String("user", user))
		_ = respondSimple(s.w, CodeError, "authentication failed")
		return
	}
	s.authenticated = true
	s.user = user
	s.log.Info("user authenticated", zap.String("user", user))
	_ = respondSimple(s.w, CodeOK, "welcome")
}

func (s *commandSession) doHelp() {
	lines := []string{
		"USER GETATTRS GETHIST GETLOG ADDHIST SETSTATE",
		"COMMUNITY NTIE POLLRTR POLLINTF CLEARFLAP",
		"PM ADD|CANCEL|LIST|DETAILS|ADDLOG|LOG|MATCHING|HELP",
		"CASEIDS VERSION QUIT",
	}
	_ = respondMultiline(s.w, CodeLogFollows, "commands", lines)
}

func (s *commandSession) doCaseIDs() {
	var ids []string
	s.cfg.Events.IterOpen(func(ev *domain.Event) {
		ids = append(ids, strconv.FormatInt(ev.ID, 10))
	})
	_ = respondMultiline(s.w, CodeCaseIDsFollow, "active cases", ids)
}

func (s *commandSession) doGetAttrs(rest string) {
	ev, ok := s.eventArg(rest)
	if !ok {
		return
	}
	var lines []string
	for _, a := range ev.LegacyAttrs() {
		lines = append(lines, fmt.Sprintf("%s: %s", a.Key, a.Value))
	}
	_ = respondMultiline(s.w, CodeAttrsFollow, "attributes follow", lines)
}

func (s *commandSession) doGetHist(rest string) {
	ev, ok := s.eventArg(rest)
	if !ok {
		return
	}
	var lines []string
	for _, h := range ev.History {
		lines = append(lines, fmt.Sprintf("%d %s", h.Timestamp.Unix(), h.Text))
	}
	_ = respondMultiline(s.w, CodeHistFollows, "history follows", lines)
}

func (s *commandSession) doGetLog(rest string) {
	ev, ok := s.eventArg(rest)
	if !ok {
		return
	}
	var lines []string
	for _, l := range ev.Log {
		lines = append(lines, fmt.Sprintf("%d %s", l.Timestamp.Unix(), l.Text))
	}
	_ = respondMultiline(s.w, CodeLogFollows, "log follows", lines)
}

func (s *commandSession) beginAddHist(rest string) {
	if _, ok := s.eventArg(rest); !ok {
		return
	}
	s.multiline = &multilineState{verb: "ADDHIST", args: rest}
	_ = respondSimple(s.w, CodeMultilinePlease, "please provide new history entry, end with '.'")
}

func (s *commandSession) doAddHist(rest, body string) {
	ev, ok := s.eventArg(rest)
	if !ok {
		return
	}
	now := time.Now()
	prefixed := fmt.Sprintf("%s: %s", s.user, body)
	ev.AddHistory(prefixed, now)
	if err := s.cfg.Events.Commit(ev, now); err != nil {
		_ = respondSimple(s.w, CodeError, err.Error())
		return
	}
	s.audit("ADDHIST " + rest)
	_ = respondSimple(s.w, CodeOK, "history added")
}

func (s *commandSession) doSetState(rest string) {
	args := fields(rest)
	if len(args) != 2 {
		_ = respondSimple(s.w, CodeError, "usage: SETSTATE <id> <state>")
		return
	}
	ev, ok := s.eventArg(args[0])
	if !ok {
		return
	}
	newState := domain.EventState(args[1])
	if !operatorSettableState(newState) {
		_ = respondSimple(s.w, CodeError, "invalid state")
		return
	}
	now := time.Now()
	if err := ev.SetState(newState, s.user, now); err != nil {
		_ = respondSimple(s.w, CodeError, err.Error())
		return
	}
	if err := s.cfg.Events.Commit(ev, now); err != nil {
		_ = respondSimple(s.w, CodeError, err.Error())
		return
	}
	s.audit("SETSTATE " + rest)
	_ = respondSimple(s.w, CodeOK, "state changed")
}

// operatorSettableState reports whether state is a legal SETSTATE target.
// embryonic is the pre-commit staging state and is never operator-settable.
func operatorSettableState(state domain.EventState) bool {
	switch state {
	case domain.StateOpen, domain.StateWorking, domain.StateWaiting,
		domain.StateConfirmWait, domain.StateIgnored, domain.StateClosed:
		return true
	}
	return false
}

// doCommunity is a restricted getter: it returns the SNMP community
// configured for router, it does not change any session or device state.
func (s *commandSession) doCommunity(rest string) {
	args := fields(rest)
	if len(args) != 1 {
		_ = respondSimple(s.w, CodeError, "usage: COMMUNITY <router>")
		return
	}
	d, ok := s.cfg.Devices.Device(args[0])
	if !ok {
		_ = respondSimple(s.w, CodeError, "unknown router")
		return
	}
	_ = respondSimple(s.w, CodeOK, d.Community)
}

func (s *commandSession) doNtie(rest string) {
	nonce := strings.TrimSpace(rest)
	channel, ok := s.cfg.Notify.ByNonce(nonce)
	if !ok {
		_ = respondSimple(s.w, CodeError, "no such notify channel")
		return
	}
	channel.Tie()
	s.tiedNotify = channel
	_ = respondSimple(s.w, CodeOK, "tied")
}

func (s *commandSession) doPollRtr(rest string) {
	name := strings.TrimSpace(rest)
	d, ok := s.cfg.Devices.Device(name)
	if !ok {
		_ = respondSimple(s.w, CodeError, "unknown router")
		return
	}
	s.cfg.Sched.RunNow(d)
	_ = respondSimple(s.w, CodeOK, "polling scheduled")
}

func (s *commandSession) doPollIntf(rest string) {
	args := fields(rest)
	if len(args) != 2 {
		_ = respondSimple(s.w, CodeError, "usage: POLLINTF <router> <ifindex>")
		return
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		_ = respondSimple(s.w, CodeError, "invalid ifindex")
		return
	}
	// POLLINTF targets the same per-device job as POLLRTR: interface state
	// is one of the tasks that job runs every tick.
	s.doPollRtr(args[0])
}

func (s *commandSession) doClearFlap(rest string) {
	args := fields(rest)
	if len(args) != 2 {
		_ = respondSimple(s.w, CodeError, "usage: CLEARFLAP <router> <ifindex>")
		return
	}
	ifindex, err := strconv.Atoi(args[1])
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid ifindex")
		return
	}
	s.cfg.Flaps.Clear(args[0], ifindex)
	subindex := strconv.Itoa(ifindex)
	var target int64
	s.cfg.Events.IterOpen(func(ev *domain.Event) {
		if ev.Router == args[0] && ev.Type == domain.TypePortstate && ev.SubIndex == subindex {
			target = ev.ID
		}
	})
	if ev := s.cfg.Events.Checkout(target); target != 0 && ev != nil {
		if ev.Portstate != nil {
			ev.Portstate.FlapState = domain.FlapStateStable
		}
		ev.Flaps = 0
		_ = s.cfg.Events.Commit(ev, time.Now())
	}
	s.audit("CLEARFLAP " + rest)
	_ = respondSimple(s.w, CodeOK, "flap counters cleared")
}

func (s *commandSession) eventArg(rest string) (*domain.Event, bool) {
	idStr := strings.Fields(rest)
	if len(idStr) == 0 {
		_ = respondSimple(s.w, CodeError, "usage: <command> <id>")
		return nil, false
	}
	id, err := strconv.ParseInt(idStr[0], 10, 64)
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid event id")
		return nil, false
	}
	ev := s.cfg.Events.Checkout(id)
	if ev == nil {
		_ = respondSimple(s.w, CodeError, "no such event")
		return nil, false
	}
	return ev, true
}

func (s *commandSession) audit(command string) {
	if s.cfg.Audit == nil {
		return
	}
	_ = s.cfg.Audit.Append(persist.AuditEntry{Timestamp: time.Now(), User: s.user, Command: command})
}

package protocol

import (
	"go.uber.org/zap"

	"github.com/asaskevich/EventBus"
	"github.com/sikt-no/zino/internal/persist"
)

// ServerConfig bundles both ports' configuration. Both servers share the
// same underlying stores, so a change made through the command port is
// visible on the notify port's next broadcast.
type ServerConfig struct {
	CommandAddr string
	NotifyAddr  string
	Auth        Authenticator
	Events      Events
	PMs         PMs
	Flaps       Flaps
	Devices     Devices
	Sched       Pollers
	Audit       *persist.AuditJournal
	Bus         EventBus.Bus
	Log         *zap.Logger
}

// Server runs the command and notify ports side by side, mirroring how this
// system has always run both protocols against one shared state.
type Server struct {
	Command *CommandServer
	Notify  *NotifyServer
}

// NewServer wires both listeners' configuration but does not bind either
// port; call Start.
func NewServer(cfg ServerConfig) *Server {
	notify := NewNotifyServer(cfg.NotifyAddr, cfg.Bus, cfg.Log.Named("notify"))
	command := NewCommandServer(CommandServerConfig{
		Addr:    cfg.CommandAddr,
		Auth:    cfg.Auth,
		Events:  cfg.Events,
		PMs:     cfg.PMs,
		Flaps:   cfg.Flaps,
		Devices: cfg.Devices,
		Sched:   cfg.Sched,
		Notify:  notify,
		Audit:   cfg.Audit,
		Log:     cfg.Log.Named("command"),
	})
	return &Server{Command: command, Notify: notify}
}

// Start binds both listeners.
func (s *Server) Start() error {
	if err := s.Notify.Start(); err != nil {
		return err
	}
	if err := s.Command.Start(); err != nil {
		s.Notify.Stop()
		return err
	}
	return nil
}

// Stop closes both listeners and every connected session.
func (s *Server) Stop() {
	s.Command.Stop()
	s.Notify.Stop()
}

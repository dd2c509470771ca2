// Package app wires every package in this repository into one running
// process: the event and planned-maintenance stores, the per-device polling
// scheduler, the trap listener, the two operator TCP protocols, the
// optional alert fan-out channels, and periodic persistence and archival
// maintenance -- mirroring the teacher's own Application/Init/Release
// lifecycle shape.
package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/config"
	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/notifychannel"
	"github.com/sikt-no/zino/internal/persist"
	"github.com/sikt-no/zino/internal/protocol"
	"github.com/sikt-no/zino/internal/scheduler"
	"github.com/sikt-no/zino/internal/store"
	"github.com/sikt-no/zino/internal/trapd"
	"github.com/sikt-no/zino/internal/zlog"
)

// Application owns every long-lived component of one running instance.
type Application struct {
	cfg *config.Config
	log *zap.Logger

	bus    EventBus.Bus
	Events *store.EventStore
	PMs    *store.PMStore
	Flaps  *store.FlapTracker

	registry *DeviceRegistry
	sessions *SessionPool

	statesMu sync.Mutex
	states   map[string]*domain.DeviceState

	sched   *scheduler.Scheduler
	trap    *trapd.Receiver
	servers *protocol.Server

	snapWriter *persist.SnapshotWriter
	archiver   *persist.Archiver
	audit      *persist.AuditJournal
	replicator *persist.StandbyReplicator

	webhook *notifychannel.WebhookChannel
	digest  *notifychannel.DigestChannel

	maint *cron.Cron
}

// New loads configuration and constructs an Application. It binds no
// network listener (BindListeners does that) and starts no polling or
// maintenance loop (Run does that); the only background loop it starts is
// the mail digest's flush loop, when a digest channel is configured.
func New(configPath, polldevsPath string, debug bool) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if polldevsPath != "" {
		cfg.System.PolldevsPath = polldevsPath
	}

	log, err := buildLogger(cfg, debug)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		log:      log,
		bus:      EventBus.New(),
		registry: NewDeviceRegistry(),
		sessions: NewSessionPool(),
		states:   make(map[string]*domain.DeviceState),
	}

	a.snapWriter = &persist.SnapshotWriter{Path: cfg.System.Workdir + "/state.json"}
	a.archiver = &persist.Archiver{Root: cfg.System.ArchiveRoot}
	a.Flaps = store.NewFlapTracker(store.DefaultFlapConfig)
	a.Events = store.NewEventStore(a.bus, a.archiver.Archive)
	a.PMs = store.NewPMStore()

	if err := a.restoreSnapshot(); err != nil {
		log.Warn("failed to restore snapshot, starting empty", zap.Error(err))
	}

	if cfg.System.AuditDBPath != "" {
		audit, err := persist.OpenAuditJournal(cfg.System.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
		a.audit = audit
	}

	if len(cfg.Standby) > 0 {
		targets := make([]persist.StandbyConfig, 0, len(cfg.Standby))
		for _, s := range cfg.Standby {
			targets = append(targets, persist.StandbyConfig{
				Host: s.Host, Port: s.Port, User: s.User, KeyPath: s.KeyPath, RemotePath: s.RemotePath,
			})
		}
		a.replicator = &persist.StandbyReplicator{Targets: targets}
	}

	if _, _, _, err := a.registry.Reload(cfg.System.PolldevsPath, cfg); err != nil {
		return nil, fmt.Errorf("load pollfile: %w", err)
	}

	sched, err := scheduler.New(
		scheduler.Config{PoolSize: cfg.System.SchedulerPool},
		a.registry,
		a.stateFor,
		scheduler.BuildTasks(a.sessions, a.Events, a.Flaps),
		log.Named("scheduler"),
	)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	a.sched = sched

	auth, err := a.buildAuthenticator()
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}

	a.servers = protocol.NewServer(protocol.ServerConfig{
		CommandAddr: cfg.System.CommandAddr,
		NotifyAddr:  cfg.System.NotifyAddr,
		Auth:        auth,
		Events:      a.Events,
		PMs:         a.PMs,
		Flaps:       a.Flaps,
		Devices:     a.registry,
		Sched:       a.sched,
		Audit:       a.audit,
		Bus:         a.bus,
		Log:         log,
	})

	a.trap = trapd.New(trapd.Config{
		ListenAddr:     cfg.System.TrapAddr,
		Community:      cfg.SNMP.Trap.Community,
		AllowedSources: cfg.SNMP.Trap.AllowedSources,
	}, log.Named("trapd"))

	a.buildNotifyChannels()

	a.subscribePMMatcher()

	return a, nil
}

func buildLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	return zlog.New(zlog.Config{
		Mode:       cfg.Logging.Mode,
		FileEnable: cfg.Logging.FileEnable,
		Filename:   cfg.Logging.Filename,
		Debug:      debug,
	})
}

func (a *Application) buildAuthenticator() (protocol.Authenticator, error) {
	var backends []protocol.Authenticator
	if cfg := a.cfg.LDAP; cfg != nil && cfg.Addr != "" {
		backends = append(backends, &protocol.LDAPAuthenticator{Addr: cfg.Addr, BindDNTmpl: cfg.BindDNTmpl})
	}
	if a.cfg.System.SecretsPath != "" {
		backends = append(backends, &protocol.SecretsAuthenticator{SecretsFile: a.cfg.System.SecretsPath})
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no authentication backend configured: set secrets_file or ldap")
	}
	return &protocol.ChainAuthenticator{Backends: backends}, nil
}

func (a *Application) buildNotifyChannels() {
	if a.cfg.Notify.WebhookURL != "" {
		a.webhook = &notifychannel.WebhookChannel{URL: a.cfg.Notify.WebhookURL, Log: a.log.Named("webhook")}
		a.webhook.Subscribe(a.bus)
	}
	if a.cfg.Notify.SMTPAddr != "" && len(a.cfg.Notify.SMTPTo) > 0 {
		host, port := splitHostPort(a.cfg.Notify.SMTPAddr)
		interval := time.Duration(a.cfg.Notify.DigestMinutes) * time.Minute
		a.digest = notifychannel.NewDigestChannel(host, port, "", "", a.cfg.Notify.SMTPFrom, a.cfg.Notify.SMTPTo, interval, a.log.Named("digest"))
		a.digest.Subscribe(a.bus)
	}
}

// stateFor returns (creating if necessary) the observation cache for one
// device, handed to the scheduler as its stateFor callback.
func (a *Application) stateFor(name string) *domain.DeviceState {
	a.statesMu.Lock()
	defer a.statesMu.Unlock()
	s, ok := a.states[name]
	if !ok {
		s = domain.NewDeviceState(name)
		a.states[name] = s
	}
	return s
}

// SetTrapPort overrides the configured trap listener address's port before
// BindListeners is called, used by the --trap-port command line flag.
func (a *Application) SetTrapPort(port int) {
	host, _ := splitHostPort(a.cfg.System.TrapAddr)
	a.cfg.System.TrapAddr = fmt.Sprintf("%s:%d", host, port)
}

// BindListeners binds the command port, notify port, and trap listener.
// Call it before dropping privileges, and before Run. Kept separate from
// Run so a caller can tell a privileged-port bind failure (exit 2) apart
// from any other runtime error.
func (a *Application) BindListeners(ctx context.Context) error {
	if err := a.servers.Start(); err != nil {
		return fmt.Errorf("start protocol servers: %w", err)
	}
	if err := a.trap.Start(ctx); err != nil {
		return fmt.Errorf("start trap receiver: %w", err)
	}
	return nil
}

// Run starts every background loop and blocks until ctx is cancelled.
// BindListeners must have been called first.
func (a *Application) Run(ctx context.Context) error {
	go a.consumeTraps(ctx)

	tick := time.Minute
	if d, err := time.ParseDuration(a.cfg.System.TickInterval); err == nil {
		tick = d
	}
	if err := a.sched.Start(tick); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.maint = cron.New(cron.WithSeconds())
	archiveAfter, err := time.ParseDuration(a.cfg.System.ArchiveAfter)
	if err != nil {
		archiveAfter = 8 * time.Hour
	}
	_, _ = a.maint.AddFunc("@every 1m", func() {
		now := time.Now()
		a.Flaps.AgeAll(now)
		if expired := a.PMs.ExpireSweep(now); len(expired) > 0 {
			a.log.Info("expired planned maintenance rules", zap.Ints("ids", expired))
		}
		if err := a.Events.ArchiveSweep(now, archiveAfter); err != nil {
			a.log.Warn("archive sweep failed", zap.Error(err))
		}
		logSelfHealth(a.log)
	})
	_, _ = a.maint.AddFunc("@every 5m", func() {
		if err := a.saveSnapshot(); err != nil {
			a.log.Warn("snapshot write failed", zap.Error(err))
		}
	})
	a.maint.Start()

	<-ctx.Done()
	return nil
}

func (a *Application) consumeTraps(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-a.trap.Output():
			if !ok {
				return
			}
			a.handleTrap(tr)
		}
	}
}

// handleTrap resolves the trap's source address to a known device and
// triggers an immediate out-of-schedule poll, the trap-directed polling
// path: a trap is treated purely as a wakeup signal, never as the sole
// source of truth for an event.
func (a *Application) handleTrap(tr trapd.Trap) {
	source := tr.Source.String()
	for _, d := range a.registry.Devices() {
		if d.Address == source {
			a.sched.RunNow(d)
			return
		}
		if ips, err := net.LookupIP(d.Address); err == nil {
			for _, ip := range ips {
				if ip.Equal(tr.Source) {
					a.sched.RunNow(d)
					return
				}
			}
		}
	}
	a.log.Debug("trap from unknown source", zap.String("source", source))
}

func (a *Application) restoreSnapshot() error {
	snap, err := a.snapWriter.Read()
	if err != nil {
		return err
	}
	a.Events.Restore(snap.Events)
	a.Events.DeduplicateOnLoad(time.Now())
	return nil
}

func (a *Application) saveSnapshot() error {
	snap := persist.Snapshot{
		Saved:  time.Now(),
		Events: a.Events.All(),
		PMs:    a.PMs.List(),
	}
	if err := a.snapWriter.Write(&snap); err != nil {
		return err
	}
	if a.replicator != nil {
		if err := a.replicator.Push(a.snapWriter.Path); err != nil {
			a.log.Warn("standby replication failed", zap.Error(err))
		}
	}
	return nil
}

// subscribePMMatcher wires the planned-maintenance matcher to run on every
// newly created event, so a rule added before an incident still suppresses
// it as soon as the event is opened.
func (a *Application) subscribePMMatcher() {
	_ = a.bus.Subscribe(store.TopicEventCreated, func(change store.Change) {
		now := time.Now()
		matches := a.PMs.Matching(change.Event, now)
		if len(matches) == 0 {
			return
		}
		ev := a.Events.Checkout(change.Event.ID)
		if ev == nil {
			return
		}
		store.ApplyToEvent(matches[0], ev, now)
		_ = a.Events.Commit(ev, now)
	})
}

// Release stops every background loop and network listener and flushes
// buffered log output, in reverse order of construction.
func (a *Application) Release() {
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.trap != nil {
		a.trap.Stop()
	}
	if a.servers != nil {
		a.servers.Stop()
	}
	if a.digest != nil {
		a.digest.Stop()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	a.sessions.CloseAll()
	_ = a.saveSnapshot()
	_ = a.log.Sync()
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 25
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 25
	}
	return host, port
}

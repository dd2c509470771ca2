// Package config loads the two on-disk configuration formats this system
// reads: the main TOML configuration file and the legacy colon-delimited
// pollfile of monitored devices, plus the flat secrets file used by the
// command port's challenge-response authentication.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level, typed main configuration document. Unknown keys
// are rejected at decode time so a typo in the file surfaces immediately
// instead of silently doing nothing.
type Config struct {
	System   SystemConfig   `toml:"system"`
	Logging  LoggingConfig  `toml:"logging"`
	SNMP     SNMPConfig     `toml:"snmp"`
	LDAP     *LDAPConfig    `toml:"ldap"`
	Standby  []StandbyEntry `toml:"standby"`
	Notify   NotifyConfig   `toml:"notify"`
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	Workdir       string `toml:"workdir"`
	PolldevsPath  string `toml:"polldevs"`
	SecretsPath   string `toml:"secrets_file"`
	CommandAddr   string `toml:"command_addr"`
	NotifyAddr    string `toml:"notify_addr"`
	TrapAddr      string `toml:"trap_addr"`
	AuditDBPath   string `toml:"audit_db"`
	SchedulerPool int    `toml:"scheduler_pool"`
	TickInterval  string `toml:"tick_interval"`
	ArchiveRoot   string `toml:"archive_root"`
	ArchiveAfter  string `toml:"archive_after"`
}

// LoggingConfig mirrors the ambient logging setup: JSON file output via
// lumberjack rotation alongside a console encoder, matching the teacher's
// zap wiring.
type LoggingConfig struct {
	Mode       string `toml:"mode"` // "production" or "development"
	FileEnable bool   `toml:"file_enable"`
	Filename   string `toml:"filename"`
}

// SNMPConfig holds defaults applied to every polled device unless overridden
// in its pollfile block, plus the trap listener's own settings.
type SNMPConfig struct {
	Community      string     `toml:"community"`
	Version        string     `toml:"version"`
	Timeout        int        `toml:"timeout_seconds"`
	Retries        int        `toml:"retries"`
	MaxRepetitions int        `toml:"max_repetitions"`
	Trap           TrapConfig `toml:"trap"`
}

// TrapConfig configures the trap receiver's source restriction.
type TrapConfig struct {
	Community      string   `toml:"community"`
	AllowedSources []string `toml:"allowed_sources"`
}

// LDAPConfig enables the optional LDAP bind-as-user authentication backend
// alongside the default secrets file.
type LDAPConfig struct {
	Addr       string `toml:"addr"`
	BindDNTmpl string `toml:"bind_dn_template"`
}

// StandbyEntry is one hot-standby snapshot replication target.
type StandbyEntry struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	User       string `toml:"user"`
	KeyPath    string `toml:"key_path"`
	RemotePath string `toml:"remote_path"`
}

// NotifyConfig configures the optional webhook and SMTP digest alert
// fan-out channels, alongside the always-on notify port.
type NotifyConfig struct {
	WebhookURL    string   `toml:"webhook_url"`
	SMTPAddr      string   `toml:"smtp_addr"`
	SMTPFrom      string   `toml:"smtp_from"`
	SMTPTo        []string `toml:"smtp_to"`
	DigestMinutes int      `toml:"digest_minutes"`
}

// Load reads and decodes the main config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.System.CommandAddr == "" {
		c.System.CommandAddr = ":8001"
	}
	if c.System.NotifyAddr == "" {
		c.System.NotifyAddr = ":8002"
	}
	if c.System.TrapAddr == "" {
		c.System.TrapAddr = ":162"
	}
	if c.System.SchedulerPool <= 0 {
		c.System.SchedulerPool = 64
	}
	if c.System.TickInterval == "" {
		c.System.TickInterval = "1m"
	}
	if c.System.ArchiveAfter == "" {
		c.System.ArchiveAfter = "8h"
	}
	if c.SNMP.Version == "" {
		c.SNMP.Version = "v2c"
	}
	if c.SNMP.Timeout <= 0 {
		c.SNMP.Timeout = 2
	}
	if c.SNMP.Retries <= 0 {
		c.SNMP.Retries = 3
	}
	if c.SNMP.MaxRepetitions <= 0 {
		c.SNMP.MaxRepetitions = 10
	}
}

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/matst80/showport/internal/registry"
	"github.com/matst80/showport/internal/tunnel"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ControlAddr      string
	BindHost         string
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	PendingGrace     time.Duration
	MetricsAddr      string
	Debug            bool
	// Session directory
	InstanceID       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	DirectoryRefresh time.Duration
	// Control port admission; 0 disables
	GlobalConnRate   int
	ConnRate         int
	ConnBurst        int
	LimiterIdleTTL   time.Duration
	MaintenanceTick  time.Duration
}

var cfg Config

// init registers flags into the global flag set. main() parses and uses cfg.
func init() {
	flag.StringVar(&cfg.ControlAddr, "control", fmt.Sprintf(":%d", tunnel.DefaultControlPort), "address for client control connections")
	flag.StringVar(&cfg.BindHost, "bind-host", "", "host public ports are bound on (empty = all interfaces)")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", tunnel.DefaultHandshakeTimeout, "time allowed for the first message on a new connection")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", tunnel.DefaultPollInterval, "visitor accept poll interval; one heartbeat is sent per interval")
	flag.DurationVar(&cfg.PendingGrace, "pending-grace", registry.DefaultGrace, "time a visitor may wait to be claimed before it is closed")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.InstanceID, "instance", "", "instance name used in the session directory (default: generated)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for a shared session directory (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.DurationVar(&cfg.DirectoryRefresh, "directory-refresh", tunnel.DefaultDirectoryRefresh, "how often a live session refreshes its directory entry")
	flag.IntVar(&cfg.GlobalConnRate, "global-conn-rate", 0, "control connections per second accepted in total (0 = unlimited)")
	flag.IntVar(&cfg.ConnRate, "conn-rate", 0, "control connections per second accepted per remote host (0 = unlimited)")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 20, "burst size for control connection rate limits")
	flag.DurationVar(&cfg.LimiterIdleTTL, "limiter-idle-ttl", 10*time.Minute, "drop per-host rate limit state idle for this long")
	flag.DurationVar(&cfg.MaintenanceTick, "maintenance-interval", time.Minute, "interval for pruning idle rate limit state")
}

// directoryTTL keeps entries alive across a few missed refreshes.
func (c Config) directoryTTL() time.Duration { return 3 * c.DirectoryRefresh }

func (c Config) tunnelConfig() tunnel.Config {
	return tunnel.Config{
		BindHost:         c.BindHost,
		HandshakeTimeout: c.HandshakeTimeout,
		PollInterval:     c.PollInterval,
		DirectoryRefresh: c.DirectoryRefresh,
	}
}

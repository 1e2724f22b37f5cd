package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/matst80/showport/internal/client"
	"github.com/matst80/showport/internal/tunnel"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr       string
	Port             uint
	Target           string
	Debug            bool
	DialTimeout      time.Duration
	HeartbeatTimeout time.Duration
	MaxBackoff       time.Duration
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", fmt.Sprintf("127.0.0.1:%d", tunnel.DefaultControlPort), "relay control address")
	flag.UintVar(&cfg.Port, "port", 0, "public port to request on the relay (0 = any free port)")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:3000", "local address to expose")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "timeout for dialing the relay and the target")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", 5*time.Second, "reconnect when the relay is silent this long")
	flag.DurationVar(&cfg.MaxBackoff, "max-backoff", 30*time.Second, "upper bound for reconnect delay")
}

func (c Config) validate() error {
	if c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Target == "" {
		return fmt.Errorf("target must be set")
	}
	return nil
}

func (c Config) clientConfig() client.Config {
	return client.Config{
		ServerAddr:       c.ServerAddr,
		Port:             uint16(c.Port),
		Target:           c.Target,
		DialTimeout:      c.DialTimeout,
		HeartbeatTimeout: c.HeartbeatTimeout,
		MaxBackoff:       c.MaxBackoff,
	}
}

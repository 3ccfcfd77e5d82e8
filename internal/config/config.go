// Package config holds the proxy's static configuration and the
// upstream-proxy stanza's optional hot-reload, the one piece of
// configuration a real deployment expects to change without a
// restart.
package config

import (
	"time"

	"github.com/relayforge/httpproxy/internal/dialer"
)

// Config is the proxy's complete static configuration, populated from
// command-line flags in cmd/httpproxy. The documented defaults live in
// Defaults, not scattered across flag declarations.
type Config struct {
	ListenHost  string
	ListenPort  int
	ConnTimeout time.Duration
	Backlog     int
	PoolSize    int

	ProxyEnabled bool
	Proxy        dialer.ProxyConfig

	LogLevel string
	LogFile  string
}

// Defaults returns the configuration spec.md documents: listen on
// 127.0.0.1:8899, a 120s connect timeout, a backlog of 100, a 50-slot
// worker pool, no upstream proxy, and ERROR-level logging.
func Defaults() Config {
	return Config{
		ListenHost:   "127.0.0.1",
		ListenPort:   8899,
		ConnTimeout:  120 * time.Second,
		Backlog:      100,
		PoolSize:     50,
		ProxyEnabled: false,
		LogLevel:     "error",
	}
}

// ProxyConfig returns the dialer-facing proxy configuration, or nil
// when upstream chaining is disabled. Sessions read this once, at
// acceptor-dispatch time, through a Source — see Watcher for the
// hot-reloadable variant.
func (c Config) ProxyConfig() *dialer.ProxyConfig {
	if !c.ProxyEnabled {
		return nil
	}
	p := c.Proxy
	return &p
}

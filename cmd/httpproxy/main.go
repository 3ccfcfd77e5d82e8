// Command httpproxy runs the forwarding HTTP/1.1 proxy: bind the
// listening socket, accept connections, and dispatch each one to a
// session worker until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayforge/httpproxy/internal/acceptor"
	"github.com/relayforge/httpproxy/internal/config"
	"github.com/relayforge/httpproxy/internal/dialer"
	"github.com/relayforge/httpproxy/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "httpproxy:", err)
		os.Exit(1)
	}
}

// staticProxySource serves a single immutable snapshot, for
// deployments that never pass -upstream-proxy-config.
type staticProxySource struct{ cfg *dialer.ProxyConfig }

func (s staticProxySource) Current() *dialer.ProxyConfig { return s.cfg }

func run() error {
	cfg := config.Defaults()

	flag.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "bind address")
	flag.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "bind port")
	flag.DurationVar(&cfg.ConnTimeout, "connect-timeout", cfg.ConnTimeout, "server dial timeout")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "accept queue depth")
	flag.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "max concurrent sessions")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity: debug, info, warn, error")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotate logs to this file instead of stderr")

	flag.BoolVar(&cfg.ProxyEnabled, "upstream-proxy-enable", cfg.ProxyEnabled, "route non-443 traffic through an upstream proxy")
	flag.StringVar(&cfg.Proxy.Type, "upstream-proxy-type", "", "upstream proxy type: http, https, socks4, socks5")
	flag.StringVar(&cfg.Proxy.Host, "upstream-proxy-host", "", "upstream proxy host")
	flag.IntVar(&cfg.Proxy.Port, "upstream-proxy-port", 0, "upstream proxy port")
	flag.StringVar(&cfg.Proxy.Username, "upstream-proxy-user", "", "upstream proxy username")
	flag.StringVar(&cfg.Proxy.Password, "upstream-proxy-pass", "", "upstream proxy password")
	proxyConfigFile := flag.String("upstream-proxy-config", "", "JSON file to hot-reload the upstream-proxy stanza from, overriding the static flags above")

	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var proxySource acceptor.ProxyConfigSource
	if *proxyConfigFile != "" {
		watcher, err := config.NewWatcher(*proxyConfigFile, log)
		if err != nil {
			return fmt.Errorf("load upstream-proxy config: %w", err)
		}
		go watcher.Run(ctx)
		proxySource = watcher
	} else {
		proxySource = staticProxySource{cfg: cfg.ProxyConfig()}
	}

	a, err := acceptor.New(acceptor.Config{
		Host:           cfg.ListenHost,
		Port:           cfg.ListenPort,
		Backlog:        cfg.Backlog,
		WorkerPoolSize: cfg.PoolSize,
		ConnTimeout:    cfg.ConnTimeout,
	}, proxySource, log)
	if err != nil {
		return fmt.Errorf("build acceptor: %w", err)
	}
	defer a.Shutdown()

	return a.Run(ctx)
}

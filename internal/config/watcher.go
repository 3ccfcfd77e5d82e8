package config

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/relayforge/httpproxy/internal/dialer"
)

// proxyFile is the on-disk shape of the hot-reloadable upstream-proxy
// stanza. Everything else in Config is fixed for the process lifetime.
type proxyFile struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Watcher serves the current upstream-proxy configuration to the
// acceptor, re-reading it from disk whenever fsnotify reports the file
// changed. Sessions already in flight hold their own snapshot taken at
// construction, so a reload never perturbs them — only sessions
// dispatched after the swap see the new value.
type Watcher struct {
	path    string
	current atomic.Pointer[dialer.ProxyConfig]
	log     *zap.Logger
}

// NewWatcher loads path once synchronously (a missing or malformed
// file is reported as an error, not treated as "no proxy") and returns
// a Watcher ready to serve Current immediately, before Run has had a
// chance to observe any changes.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	w := &Watcher{path: path, log: log}
	cfg, err := loadProxyConfig(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(cfg)
	return w, nil
}

// Current implements acceptor.ProxyConfigSource.
func (w *Watcher) Current() *dialer.ProxyConfig {
	return w.current.Load()
}

// Run watches the config file for changes until ctx is canceled,
// atomically swapping Current's value on every write. Errors reading a
// changed file are logged and the previous value is kept in place
// rather than falling back to "no proxy".
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warn("config watcher error", zap.Error(err))
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := loadProxyConfig(w.path)
			if err != nil {
				if w.log != nil {
					w.log.Warn("failed to reload upstream-proxy config, keeping previous value", zap.Error(err))
				}
				continue
			}
			w.current.Store(cfg)
			if w.log != nil {
				w.log.Info("upstream-proxy config reloaded", zap.String("path", w.path))
			}
		}
	}
}

func loadProxyConfig(path string) (*dialer.ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf proxyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	if !pf.Enabled {
		return nil, nil
	}
	return &dialer.ProxyConfig{
		Type:     pf.Type,
		Host:     pf.Host,
		Port:     pf.Port,
		Username: pf.Username,
		Password: pf.Password,
	}, nil
}

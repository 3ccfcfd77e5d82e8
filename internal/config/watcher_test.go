package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProxyFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.json")
	writeProxyFile(t, path, `{"enabled":true,"type":"http","host":"proxy.internal","port":3128}`)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	cfg := w.Current()
	if cfg == nil || cfg.Host != "proxy.internal" || cfg.Port != 3128 {
		t.Fatalf("unexpected initial config: %+v", cfg)
	}
}

func TestWatcherDisabledMeansNilProxy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.json")
	writeProxyFile(t, path, `{"enabled":false}`)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if cfg := w.Current(); cfg != nil {
		t.Fatalf("expected nil proxy config, got %+v", cfg)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.json")
	writeProxyFile(t, path, `{"enabled":true,"type":"http","host":"first.internal","port":3128}`)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher time to register before mutating the file.
	time.Sleep(100 * time.Millisecond)
	writeProxyFile(t, path, `{"enabled":true,"type":"socks5","host":"second.internal","port":1080}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cfg := w.Current(); cfg != nil && cfg.Host == "second.internal" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher never observed the updated config, still %+v", w.Current())
}

func TestWatcherMalformedInitialFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.json")
	writeProxyFile(t, path, `not json`)

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatalf("expected an error loading a malformed config file")
	}
}

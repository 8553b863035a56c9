package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const minimalJSON = `{
  "logging": {"level": "debug", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": {"path": "./tasks"},
  "scheduler": {"enabled": true},
  "engine": {"workers": 2}
}`

func TestParseStrictJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, minimalJSON)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || cfg.Tasks.Path != "./tasks" {
		t.Fatalf("parsed = %+v", cfg)
	}
	if cfg.Engine.Workers != 2 {
		t.Fatalf("engine.workers = %d, want 2", cfg.Engine.Workers)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"tasks": {"path": "./tasks"}, "bogus_section": true}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"tasks": {"path": "./tasks"}}{"extra": 1}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("want error for trailing data")
	}
}

func TestParseYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
tasks:
  path: ./tasks
scheduler:
  enabled: true
  timezone: UTC
engine:
  workers: 4
agents:
  echo:
    enabled: true
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "UTC" || cfg.Engine.Workers != 4 {
		t.Fatalf("parsed = %+v", cfg)
	}
	if ac, ok := cfg.Agents["echo"]; !ok || !ac.Enabled {
		t.Fatalf("agents = %+v", cfg.Agents)
	}
}

func TestLoadCommitsAndGetReturns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, minimalJSON)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Tasks: TasksConfig{Path: "first"}}
	second := &Config{Tasks: TasksConfig{Path: "second"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Tasks.Path != "second" {
		t.Fatalf("delivered %q, want the newest config", got.Tasks.Path)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra delivery %q", extra.Tasks.Path)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Unknown channels are a no-op.
	m.Unsubscribe(make(chan *Config))
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, minimalJSON)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	var rejectAll atomic.Bool
	m.SetValidator(func(context.Context, *Config) error {
		if rejectAll.Load() {
			return errors.New("rejected")
		}
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to install before the first write.
	time.Sleep(150 * time.Millisecond)

	writeFile(t, path, `{
  "logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": {"path": "./tasks2"},
  "scheduler": {"enabled": true},
  "engine": {"workers": 2}
}`)

	var got *Config
	waitFor(t, 5*time.Second, "validated config publish", func() bool {
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	})
	if got.Tasks.Path != "./tasks2" {
		t.Fatalf("published tasks.path = %q", got.Tasks.Path)
	}

	// A rejected update must not commit or publish.
	rejectAll.Store(true)
	writeFile(t, path, `{
  "logging": {"level": "warn", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": {"path": "./tasks3"},
  "scheduler": {"enabled": true},
  "engine": {"workers": 2}
}`)

	deadline := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case c := <-sub:
			t.Fatalf("rejected config was published: %q", c.Tasks.Path)
		default:
		}
		time.Sleep(25 * time.Millisecond)
	}
	if m.Get().Tasks.Path != "./tasks2" {
		t.Fatalf("rejected config was committed: %q", m.Get().Tasks.Path)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestReloadForcesPublishWithoutWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, minimalJSON)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// Unchanged content: committed hash matches, nothing to publish.
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-sub:
		t.Fatalf("unchanged config was published: %q", c.Tasks.Path)
	default:
	}

	writeFile(t, path, `{
  "logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": {"path": "./tasks2"},
  "scheduler": {"enabled": true},
  "engine": {"workers": 2}
}`)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub:
		if got.Tasks.Path != "./tasks2" {
			t.Fatalf("published tasks.path = %q", got.Tasks.Path)
		}
	default:
		t.Fatal("changed config was not published")
	}
	if m.Get().Tasks.Path != "./tasks2" {
		t.Fatalf("reload did not commit: %q", m.Get().Tasks.Path)
	}

	// A rejected update returns the error and keeps the previous commit.
	m.SetValidator(func(context.Context, *Config) error { return errors.New("rejected") })
	writeFile(t, path, `{
  "logging": {"level": "warn", "console": false, "file": {"enabled": false, "path": ""}},
  "tasks": {"path": "./tasks3"},
  "scheduler": {"enabled": true},
  "engine": {"workers": 2}
}`)
	if err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Get().Tasks.Path != "./tasks2" {
		t.Fatalf("rejected config was committed: %q", m.Get().Tasks.Path)
	}
}

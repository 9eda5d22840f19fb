package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func reloaderLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "logpipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDisabledReloaderKeepsInitialConfig(t *testing.T) {
	initial, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	r, err := NewReloader(ReloaderConfig{Enabled: false}, "", initial, nil, reloaderLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.Current() != initial {
		t.Error("disabled reloader should return the initial config")
	}
	if err := r.TriggerReload(); err == nil {
		t.Error("TriggerReload should fail when disabled")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestTriggerReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "app:\n  log_level: info\n")

	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	var gotOld, gotNew *Config
	onChange := func(old, new *Config) error {
		gotOld, gotNew = old, new
		return nil
	}

	r, err := NewReloader(ReloaderConfig{Enabled: true}, path, initial, onChange, reloaderLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	writeConfigFile(t, dir, "app:\n  log_level: debug\n")

	if err := r.TriggerReload(); err != nil {
		t.Fatalf("TriggerReload failed: %v", err)
	}
	if gotOld != initial {
		t.Error("onChange should receive the previous config")
	}
	if gotNew == nil || gotNew.App.LogLevel != "debug" {
		t.Errorf("onChange got log_level %q, want debug", gotNew.App.LogLevel)
	}
	if r.Current().App.LogLevel != "debug" {
		t.Errorf("Current() log_level = %q, want debug", r.Current().App.LogLevel)
	}

	stats := r.Stats()
	if stats.SuccessfulReloads != 1 {
		t.Errorf("SuccessfulReloads = %d, want 1", stats.SuccessfulReloads)
	}
}

func TestTriggerReloadSkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "app:\n  log_level: info\n")

	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	calls := 0
	r, err := NewReloader(ReloaderConfig{Enabled: true}, path, initial, func(old, new *Config) error {
		calls++
		return nil
	}, reloaderLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	if err := r.TriggerReload(); err != nil {
		t.Fatalf("TriggerReload failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("onChange called %d times for unchanged file, want 0", calls)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "app:\n  log_level: info\n")

	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	r, err := NewReloader(ReloaderConfig{Enabled: true}, path, initial, nil, reloaderLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}

	writeConfigFile(t, dir, "sink:\n  type: carrier-pigeon\n")

	if err := r.TriggerReload(); err == nil {
		t.Fatal("TriggerReload should fail for invalid config")
	}
	if r.Current() != initial {
		t.Error("failed reload must keep the previous config")
	}
	if r.Stats().FailedReloads != 1 {
		t.Errorf("FailedReloads = %d, want 1", r.Stats().FailedReloads)
	}
}

func TestWatchDetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "app:\n  log_level: info\n")

	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	applied := make(chan string, 1)
	r, err := NewReloader(ReloaderConfig{
		Enabled:          true,
		DebounceInterval: 20 * time.Millisecond,
	}, path, initial, func(old, new *Config) error {
		applied <- new.App.LogLevel
		return nil
	}, reloaderLogger())
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	writeConfigFile(t, dir, "app:\n  log_level: warning\n")

	select {
	case level := <-applied:
		if level != "warning" {
			t.Errorf("reloaded log_level = %q, want warning", level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered by file change")
	}
}

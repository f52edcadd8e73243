package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "shellscope.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Store.DSN != DefaultDSN {
		t.Fatalf("dsn: %q", fc.Store.DSN)
	}
	if fc.Monitor.Interval != 2*time.Second || fc.Monitor.ErrorBackoff != time.Second {
		t.Fatalf("unexpected cadence: %+v", fc.Monitor)
	}
	if fc.Retention.Days != 7 {
		t.Fatalf("retention days: %d", fc.Retention.Days)
	}
	want := []string{"cmd.exe", "powershell.exe", "wt.exe", "conhost.exe"}
	for _, w := range want {
		found := false
		for _, n := range fc.Monitor.WatchNames {
			if n == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("default watch-list missing %s: %v", w, fc.Monitor.WatchNames)
		}
	}
	if len(fc.Detector.Keywords) != 6 {
		t.Fatalf("keywords: %v", fc.Detector.Keywords)
	}
}

func TestLoadFull(t *testing.T) {
	p := writeTOML(t, `
[monitor]
watch = ["bash", "zsh"]
interval = "500ms"
error_backoff = "250ms"

[detector]
keywords = ["curl", "base64"]

[store]
dsn = "postgres://u:p@localhost:5432/shellscope?sslmode=disable"
max_open_conns = 4

[retention]
days = 30
schedule = "@every 1h"

[log]
level = "debug"
file = "/var/log/shellscope.log"
max_backups = 5

[metrics]
listen = ":9090"

[server]
listen = ":8080"
base_path = "/shellscope"

[history]
sinks = ["opensearch://localhost:9200/lifecycle"]
timeout = "1s"
`)
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.Join(fc.Monitor.WatchNames, ",") != "bash,zsh" {
		t.Fatalf("watch: %v", fc.Monitor.WatchNames)
	}
	if fc.Monitor.Interval != 500*time.Millisecond || fc.Monitor.ErrorBackoff != 250*time.Millisecond {
		t.Fatalf("cadence: %+v", fc.Monitor)
	}
	if strings.Join(fc.Detector.Keywords, ",") != "curl,base64" {
		t.Fatalf("keywords: %v", fc.Detector.Keywords)
	}
	if !strings.HasPrefix(fc.Store.DSN, "postgres://") || fc.Store.MaxOpenConns != 4 {
		t.Fatalf("store: %+v", fc.Store)
	}
	if fc.Retention.Days != 30 || fc.Retention.Schedule != "@every 1h" {
		t.Fatalf("retention: %+v", fc.Retention)
	}
	if fc.Log.Level != "debug" || fc.Log.File == "" || fc.Log.MaxBackups != 5 {
		t.Fatalf("log: %+v", fc.Log)
	}
	if fc.Metrics.Listen != ":9090" || fc.Server.Listen != ":8080" || fc.Server.BasePath != "/shellscope" {
		t.Fatalf("listeners: %+v %+v", fc.Metrics, fc.Server)
	}
	if len(fc.History.Sinks) != 1 || fc.History.Timeout != time.Second {
		t.Fatalf("history: %+v", fc.History)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	p := writeTOML(t, `
[retention]
days = 3
`)
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Retention.Days != 3 {
		t.Fatalf("days: %d", fc.Retention.Days)
	}
	if fc.Store.DSN != DefaultDSN || fc.Monitor.Interval != 2*time.Second {
		t.Fatalf("defaults lost: %+v", fc)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeTOML(t, `
[store]
dsn = "sqlite://from-file.db"
`)
	t.Setenv("SHELLSCOPE_STORE_DSN", "sqlite://from-env.db")
	t.Setenv("SHELLSCOPE_RETENTION_DAYS", "14")
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Store.DSN != "sqlite://from-env.db" {
		t.Fatalf("env did not override dsn: %q", fc.Store.DSN)
	}
	if fc.Retention.Days != 14 {
		t.Fatalf("env did not override days: %d", fc.Retention.Days)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeTOML(t, "[monitor\nwatch=")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(writeTOML(t, "[retention]\nschedule = \"0 * * * *\"\n")); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := Load(writeTOML(t, "[monitor]\ninterval = \"-1s\"\n")); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := Load(writeTOML(t, "[log]\nlevel = \"chatty\"\n")); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	fc := Default()
	fc.Monitor.WatchNames = nil
	fc.Store.DSN = " "
	fc.Retention.Days = -1
	err := fc.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"monitor.watch", "store.dsn", "retention.days"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("missing %q in %q", want, msg)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.ConfigFile != "./config.yaml" {
			t.Errorf("ConfigFile = %q, want ./config.yaml", cfg.ConfigFile)
		}
		if cfg.PollInterval != 15*time.Second {
			t.Errorf("PollInterval = %v, want 15s", cfg.PollInterval)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			ConfigFile:  "/etc/ingest/config.yaml",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.ConfigFile != "/etc/ingest/config.yaml" {
			t.Errorf("ConfigFile = %q, want override", cfg.ConfigFile)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})
}

const sampleConfig = `
database:
  uri: postgres://localhost/ingest

mqtt_servers:
  primary:
    broker: mqtt.example.com
    port: 8883
    username: ingest
    password: secret
    ca_cert: /etc/ssl/ca.pem

patterns:
  - name: energy_meter
    match:
      keys: [DeviceID, P0, P1]
    columns:
      DeviceID: string
      P0: float
    table: energy_{topic}
  - name: sensor_auto
    match:
      schema: nested_d
    columns: auto

routes:
  - topic: Energy1
    mqtt_server: primary
    device_ids:
      - pattern: "103"
        pattern_name: energy_meter
      - pattern: "*"
        interval_difference:
          enabled: true
          frequency_minutes: 5
`

func TestParseSnapshot(t *testing.T) {
	snap, err := ParseSnapshot([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}

	if snap.Database.URI != "postgres://localhost/ingest" {
		t.Errorf("Database.URI = %q", snap.Database.URI)
	}
	if b, ok := snap.MQTTServers["primary"]; !ok || b.Port != 8883 {
		t.Errorf("MQTTServers[primary] = %+v", b)
	}

	p := snap.Pattern("energy_meter")
	if p == nil {
		t.Fatal("pattern energy_meter not found")
	}
	if len(p.Match.Keys) != 3 {
		t.Errorf("Match.Keys = %v", p.Match.Keys)
	}
	if p.Columns.Auto {
		t.Error("explicit columns parsed as auto")
	}
	if p.Columns.Explicit["P0"] != "float" {
		t.Errorf("Columns[P0] = %q", p.Columns.Explicit["P0"])
	}

	auto := snap.Pattern("sensor_auto")
	if auto == nil || !auto.Columns.Auto {
		t.Errorf("sensor_auto columns should be auto: %+v", auto)
	}

	if len(snap.Routes) != 1 || len(snap.Routes[0].DeviceIDs) != 2 {
		t.Fatalf("routes = %+v", snap.Routes)
	}
	wild := snap.Routes[0].DeviceIDs[1]
	if wild.DevicePattern() != "*" {
		t.Errorf("DevicePattern = %q", wild.DevicePattern())
	}
	if wild.IntervalDifference == nil || wild.IntervalDifference.FrequencyMinutes != 5 {
		t.Errorf("IntervalDifference = %+v", wild.IntervalDifference)
	}
}

func TestParseSnapshotErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing_database", "patterns: []\n"},
		{"duplicate_pattern", "database: {uri: x}\npatterns: [{name: a}, {name: a}]\n"},
		{"route_without_topic", "database: {uri: x}\nroutes: [{mqtt_server: primary}]\n"},
		{"bad_columns_scalar", "database: {uri: x}\npatterns: [{name: a, columns: manual}]\n"},
		{"not_yaml", "{{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSnapshot([]byte(tc.raw)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoaderReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(path, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	if got := l.Snapshot(); got == nil || len(got.Patterns) != 2 {
		t.Fatalf("initial snapshot = %+v", got)
	}

	t.Run("bad_file_keeps_last_good", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("{{{{"), 0o644); err != nil {
			t.Fatal(err)
		}
		l.reload()
		if got := l.Snapshot(); got == nil || len(got.Patterns) != 2 {
			t.Errorf("snapshot should be unchanged after bad reload: %+v", got)
		}
		if l.Reloads() != 0 {
			t.Errorf("Reloads = %d, want 0", l.Reloads())
		}
	})

	t.Run("good_file_swaps_snapshot", func(t *testing.T) {
		updated := sampleConfig + `
  - topic: Sensors/+
    mqtt_server: primary
    auto_discover: true
`
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		l.reload()
		if got := l.Snapshot(); len(got.Routes) != 2 {
			t.Errorf("routes = %d, want 2", len(got.Routes))
		}
		if l.Reloads() != 1 {
			t.Errorf("Reloads = %d, want 1", l.Reloads())
		}
	})

	t.Run("subscriber_panic_is_isolated", func(t *testing.T) {
		var second bool
		l.Subscribe(func(*Snapshot) { panic("boom") })
		l.Subscribe(func(*Snapshot) { second = true })
		l.notify(l.Snapshot())
		if !second {
			t.Error("second subscriber should run after first panics")
		}
	})
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}

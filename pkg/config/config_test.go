package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	path := writeConfig(t, `
feed:
  api_url: https://notes.example.org/api/0.6/notes/search
  dump_url: https://notes.example.org/dumps/notes.xml.gz
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Errorf("unexpected database defaults: %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Sync.MaxIncremental != 10000 {
		t.Errorf("unexpected max_incremental default: %d", cfg.Sync.MaxIncremental)
	}
	if cfg.Sync.CommitTimeout != 2*time.Minute {
		t.Errorf("unexpected commit_timeout default: %v", cfg.Sync.CommitTimeout)
	}
	if cfg.Feed.WindowSize != 24*time.Hour {
		t.Errorf("unexpected window_size default: %v", cfg.Feed.WindowSize)
	}
	if cfg.Geo.GridCellDegrees != 1.0 {
		t.Errorf("unexpected grid cell default: %v", cfg.Geo.GridCellDegrees)
	}
	if !cfg.Monitoring.Enabled {
		t.Error("monitoring should default to enabled")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
feed:
  api_url: https://notes.example.org/api
  dump_url: https://notes.example.org/dump.xml.gz
  max_retries: 7
sync:
  max_incremental: 500
  concurrency: 8
database:
  host: db.internal
  port: 5433
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Feed.MaxRetries != 7 {
		t.Errorf("expected max_retries 7, got %d", cfg.Feed.MaxRetries)
	}
	if cfg.Sync.MaxIncremental != 500 {
		t.Errorf("expected max_incremental 500, got %d", cfg.Sync.MaxIncremental)
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Sync.Concurrency)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("unexpected database override: %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			"missing api_url",
			`
feed:
  dump_url: https://notes.example.org/dump.xml.gz
`,
		},
		{
			"missing dump_url",
			`
feed:
  api_url: https://notes.example.org/api
`,
		},
		{
			"zero concurrency",
			`
feed:
  api_url: https://notes.example.org/api
  dump_url: https://notes.example.org/dump.xml.gz
sync:
  concurrency: 0
`,
		},
		{
			"negative max_retries",
			`
feed:
  api_url: https://notes.example.org/api
  dump_url: https://notes.example.org/dump.xml.gz
  max_retries: -1
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected missing config file to fail")
	}
}

func TestDatabaseConfig_GetConnectionString(t *testing.T) {
	c := DatabaseConfig{
		Host: "localhost", Port: 5432,
		User: "notesync", Password: "secret",
		Database: "notesync", SSLMode: "disable",
	}
	want := "host=localhost port=5432 user=notesync password=secret dbname=notesync sslmode=disable"
	if got := c.GetConnectionString(); got != want {
		t.Errorf("unexpected connection string: %s", got)
	}
}

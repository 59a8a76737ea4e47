package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hearsay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
identity:
  pubkey: "abc123"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Identity.Pubkey != "abc123" {
		t.Errorf("expected pubkey abc123, got %q", cfg.Identity.Pubkey)
	}
	if cfg.Settings.NumRelaysPerPerson != 2 {
		t.Errorf("expected default num_relays_per_person 2, got %d", cfg.Settings.NumRelaysPerPerson)
	}
	if cfg.Settings.MaxRelays != 30 {
		t.Errorf("expected default max_relays 30, got %d", cfg.Settings.MaxRelays)
	}
	if cfg.Settings.FeedChunkSeconds != 43200 {
		t.Errorf("expected default feed chunk 43200, got %d", cfg.Settings.FeedChunkSeconds)
	}
	if len(cfg.Relays.Discover) == 0 {
		t.Error("expected default discover relays")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
settings:
  max_relays: 5
  num_relays_per_person: 3
relays:
  discover:
    - wss://discover.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Settings.MaxRelays != 5 {
		t.Errorf("expected max_relays 5, got %d", cfg.Settings.MaxRelays)
	}
	if cfg.Settings.NumRelaysPerPerson != 3 {
		t.Errorf("expected num_relays_per_person 3, got %d", cfg.Settings.NumRelaysPerPerson)
	}
	if len(cfg.Relays.Discover) != 1 || cfg.Relays.Discover[0] != "wss://discover.example.com" {
		t.Errorf("expected discover relay override, got %v", cfg.Relays.Discover)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero relays per person", func(c *Config) { c.Settings.NumRelaysPerPerson = 0 }, true},
		{"zero max relays", func(c *Config) { c.Settings.MaxRelays = 0 }, true},
		{"negative feed chunk", func(c *Config) { c.Settings.FeedChunkSeconds = -1 }, true},
		{"negative overlap", func(c *Config) { c.Settings.OverlapSeconds = -1 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestExampleConfigParses(t *testing.T) {
	example, err := Example()
	if err != nil {
		t.Fatalf("failed to read example: %v", err)
	}

	path := writeConfig(t, string(example))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("example config failed to load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config failed validation: %v", err)
	}
}

package config

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete hearsay configuration.
type Config struct {
	Identity Identity `yaml:"identity"`
	Relays   Relays   `yaml:"relays"`
	Settings Settings `yaml:"settings"`
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
}

// Identity holds the user's public identity. Signing keys are managed by the
// signer and never appear in the config file.
type Identity struct {
	Pubkey string `yaml:"pubkey"` // hex public key, may be empty until a key is imported
}

// Relays holds statically configured relays.
type Relays struct {
	// Discover relays are queried for other people's relay lists.
	Discover []string `yaml:"discover"`
}

// Settings are the tunables the relay coordination core consumes.
type Settings struct {
	Offline              bool  `yaml:"offline"`
	FeedChunkSeconds     int64 `yaml:"feed_chunk_seconds"`    // how far back feed subscriptions look
	OverlapSeconds       int64 `yaml:"overlap_seconds"`       // re-fetch overlap to cover clock skew
	NumRelaysPerPerson   uint8 `yaml:"num_relays_per_person"` // redundancy per followed pubkey
	MaxRelays            int   `yaml:"max_relays"`            // global cap on concurrent relay connections
	SetClientTag         bool  `yaml:"set_client_tag"`
	PowBits              uint8 `yaml:"pow_bits"`
	CachePrunePeriodDays int   `yaml:"cache_prune_period_days"`
	PrunePeriodDays      int   `yaml:"prune_period_days"`
}

// Storage configures the sqlite database.
type Storage struct {
	Path string `yaml:"path"`

	// BackupDir enables periodic database backups when set.
	BackupDir           string `yaml:"backup_dir"`
	BackupIntervalHours int    `yaml:"backup_interval_hours"`
}

// Logging configures the structured logger.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Default returns a configuration with sensible defaults for every field
// that has one.
func Default() *Config {
	return &Config{
		Relays: Relays{
			Discover: []string{
				"wss://purplepag.es",
				"wss://relay.damus.io",
			},
		},
		Settings: Settings{
			FeedChunkSeconds:     60 * 60 * 12,
			OverlapSeconds:       300,
			NumRelaysPerPerson:   2,
			MaxRelays:            30,
			CachePrunePeriodDays: 30,
			PrunePeriodDays:      30,
		},
		Storage: Storage{
			Path:                "hearsay.db",
			BackupIntervalHours: 24,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path, applying defaults for any
// fields the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would misbehave silently at runtime.
func (c *Config) Validate() error {
	if c.Settings.NumRelaysPerPerson == 0 {
		return fmt.Errorf("num_relays_per_person must be at least 1")
	}
	if c.Settings.MaxRelays < 1 {
		return fmt.Errorf("max_relays must be at least 1")
	}
	if c.Settings.FeedChunkSeconds <= 0 {
		return fmt.Errorf("feed_chunk_seconds must be positive")
	}
	if c.Settings.OverlapSeconds < 0 {
		return fmt.Errorf("overlap_seconds cannot be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}
	return nil
}

// Example returns the embedded example configuration.
func Example() ([]byte, error) {
	data, err := exampleConfig.ReadFile("example.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded example: %w", err)
	}
	return data, nil
}

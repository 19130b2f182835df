package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retention  RetentionConfig  `yaml:"retention"`
	Sync       SyncConfig       `yaml:"sync"`
	Validation ValidationConfig `yaml:"validation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig holds the embedded store tunables.
type StorageConfig struct {
	DBPath            string    `yaml:"db_path"`
	SyncWrites        bool      `yaml:"sync_writes"`
	CacheSize         SizeBytes `yaml:"cache_size"`
	MaxDocSize        SizeBytes `yaml:"max_doc_size"`
	MaxAttachmentSize SizeBytes `yaml:"max_attachment_size"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend  []string `yaml:"backend"`
		Frontend []string `yaml:"frontend"`
		Admin    []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"` // stdout|stderr|file:/path
}

// RetentionConfig configures the automatic purge runner. TombstoneAge and
// ChangelogAge are how long tombstones and change-log entries are kept
// before purging; zero disables that sweep.
type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Cron         string   `yaml:"cron"`
	TombstoneAge Duration `yaml:"tombstone_age"`
	ChangelogAge Duration `yaml:"changelog_age"`
	SweepOrphans bool     `yaml:"sweep_orphans"`
	DryRun       bool     `yaml:"dry_run"`
}

// SyncConfig configures live replication against a peer node.
type SyncConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Peer        string   `yaml:"peer"` // base URL, e.g. https://peer:8080
	APIKey      string   `yaml:"api_key"`
	Collections []string `yaml:"collections"`
	Debounce    Duration `yaml:"debounce"`
	BatchSize   int      `yaml:"batch_size"`
	Timeout     Duration `yaml:"timeout"`
}

// TelemetryConfig controls trace sampling and the slow-request threshold.
// Zero values leave the built-in defaults in place.
type TelemetryConfig struct {
	SampleRate    float64  `yaml:"sample_rate"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// ValidationConfig holds per-collection document rules applied at the API
// write boundary.
type ValidationConfig struct {
	Rules []CollectionRules `yaml:"rules"`
}

// CollectionRules is the rule set for one collection.
type CollectionRules struct {
	Collection string   `yaml:"collection"`
	Required   []string `yaml:"required"`
	Types      []struct {
		Path string `yaml:"path"`
		Type string `yaml:"type"` // string|number|boolean
	} `yaml:"types"`
	MaxLen []struct {
		Path string `yaml:"path"`
		Max  int    `yaml:"max"`
	} `yaml:"max_len"`
}

// Validate fails fast on values no deployment can run with. File
// existence and path permissions are checked by the app layer; this
// covers the config's own semantics.
func (c *Config) Validate() error {
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size is negative")
	}
	if c.Storage.MaxDocSize < 0 {
		return fmt.Errorf("storage.max_doc_size is negative")
	}
	if c.Storage.MaxAttachmentSize < 0 {
		return fmt.Errorf("storage.max_attachment_size is negative")
	}
	if c.Security.RateLimit.RPS < 0 {
		return fmt.Errorf("security.rate_limit.rps is negative")
	}
	if c.Security.RateLimit.Burst < 0 {
		return fmt.Errorf("security.rate_limit.burst is negative")
	}

	if c.Retention.Enabled {
		if cron := c.Retention.Cron; cron != "" && !gronx.IsValid(cron) {
			return fmt.Errorf("retention.cron is not a valid cron expression: %q", cron)
		}
		if c.Retention.TombstoneAge < 0 || c.Retention.ChangelogAge < 0 {
			return fmt.Errorf("retention ages must not be negative")
		}
	}

	if c.Sync.Enabled {
		if c.Sync.Peer == "" {
			return fmt.Errorf("sync.enabled is set but sync.peer is empty")
		}
		u, err := url.Parse(c.Sync.Peer)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sync.peer must be an http(s) base URL, got %q", c.Sync.Peer)
		}
		if c.Sync.BatchSize < 0 {
			return fmt.Errorf("sync.batch_size is negative")
		}
		if c.Sync.Debounce < 0 || c.Sync.Timeout < 0 {
			return fmt.Errorf("sync durations must not be negative")
		}
	}

	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %v", r)
	}
	if c.Telemetry.SlowThreshold < 0 {
		return fmt.Errorf("telemetry.slow_threshold is negative")
	}

	for _, r := range c.Validation.Rules {
		if strings.TrimSpace(r.Collection) == "" {
			return fmt.Errorf("validation rule with empty collection")
		}
		for _, t := range r.Types {
			switch t.Type {
			case "string", "number", "boolean":
			default:
				return fmt.Errorf("validation rule for %s: unknown type %q (want string, number or boolean)", r.Collection, t.Type)
			}
		}
		for _, ml := range r.MaxLen {
			if ml.Max <= 0 {
				return fmt.Errorf("validation rule for %s: max_len for %s must be positive", r.Collection, ml.Path)
			}
		}
	}
	return nil
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration and parses YAML strings like "100ms" or
// plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

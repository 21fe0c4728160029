// Package config loads and validates replited's TOML configuration: a
// top-level log section plus a list of databases, each with its WAL
// checkpoint policy and one or more storage replicas.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/replited/replited/internal/rerror"
)

// Default checkpoint policy thresholds, in pages.
const (
	DefaultMinCheckpointPageNumber = 1000
	DefaultMaxCheckpointPageNumber = 10000
	DefaultTruncatePageNumber      = 500000
	DefaultCheckpointIntervalSecs  = 60
)

type Log struct {
	Level string `toml:"level" json:"level"`
	Dir   string `toml:"dir" json:"dir"`
}

// Storage is one replica destination: a TOML table discriminated by Type,
// carrying only the fields its backend uses. A flat struct lets
// BurntSushi/toml decode every replica the same way instead of requiring
// a custom toml.Unmarshaler per backend.
type Storage struct {
	Type          string `toml:"type" json:"type"`
	AllowInsecure bool   `toml:"allow_insecure" json:"allow_insecure"`

	// Fs
	Root string `toml:"root" json:"root"`

	// S3 / Gcs / Azb / Ftp endpoint
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// S3
	Region          string `toml:"region" json:"region"`
	Bucket          string `toml:"bucket" json:"bucket"`
	AccessKeyID     string `toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" json:"secret_access_key"`

	// Gcs
	Credential string `toml:"credential" json:"credential"`

	// Azb
	Container   string `toml:"container" json:"container"`
	AccountName string `toml:"account_name" json:"account_name"`
	AccountKey  string `toml:"account_key" json:"account_key"`

	// Ftp
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"password"`

	// MaxUploadBytesPerSec throttles this replica's uploads; 0 disables
	// the limiter.
	MaxUploadBytesPerSec int64 `toml:"max_upload_bytes_per_sec" json:"max_upload_bytes_per_sec"`
}

// String renders a storage entry for logging with its secrets masked.
func (s Storage) String() string {
	return fmt.Sprintf("%s | root=%s endpoint=%s bucket=%s access_key_id=%s secret_access_key=%s account_key=%s password=%s",
		s.Type, s.Root, s.Endpoint, s.Bucket,
		maskString(s.AccessKeyID, 3), maskString(s.SecretAccessKey, 3),
		maskString(s.AccountKey, 3), maskString(s.Password, 3))
}

// maskString hides s behind "******", keeping the last unmaskLen
// characters visible, enough to tell two secrets apart in a log line
// without reproducing the secret itself.
func maskString(s string, unmaskLen int) string {
	if len(s) <= unmaskLen {
		return s
	}
	return "******" + s[len(s)-unmaskLen:]
}

type Database struct {
	Db        string    `toml:"db" json:"db"`
	Replicate []Storage `toml:"replicate" json:"replicate"`

	MinCheckpointPageNumber int64 `toml:"min_checkpoint_page_number" json:"min_checkpoint_page_number"`
	MaxCheckpointPageNumber int64 `toml:"max_checkpoint_page_number" json:"max_checkpoint_page_number"`
	TruncatePageNumber      int64 `toml:"truncate_page_number" json:"truncate_page_number"`
	CheckpointIntervalSecs  int64 `toml:"checkpoint_interval_secs" json:"checkpoint_interval_secs"`

	// RetentionDays > 0 keeps retired generation directories for that
	// many days, removed only by the daily retention sweep; 0 removes
	// them eagerly every tick and registers no sweep.
	RetentionDays int `toml:"retention_days" json:"retention_days"`
}

func (d *Database) applyDefaults() {
	if d.MinCheckpointPageNumber == 0 {
		d.MinCheckpointPageNumber = DefaultMinCheckpointPageNumber
	}
	if d.MaxCheckpointPageNumber == 0 {
		d.MaxCheckpointPageNumber = DefaultMaxCheckpointPageNumber
	}
	if d.TruncatePageNumber == 0 {
		d.TruncatePageNumber = DefaultTruncatePageNumber
	}
	if d.CheckpointIntervalSecs == 0 {
		d.CheckpointIntervalSecs = DefaultCheckpointIntervalSecs
	}
}

type Config struct {
	Log      Log        `toml:"log" json:"log"`
	Database []Database `toml:"database" json:"database"`
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv rewrites every ${VAR} placeholder in raw using the process
// environment, so secrets can live outside the config file (paired with
// .env loading at startup).
func expandEnv(raw []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPlaceholder.FindSubmatch(m)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return m
	})
}

// Load reads, interpolates, parses and validates the TOML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rerror.ErrConfigNotFound, path)
		}
		return nil, err
	}
	raw = expandEnv(raw)

	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", rerror.ErrConfigInvalid, err)
	}

	for i := range cfg.Database {
		cfg.Database[i].applyDefaults()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	sch, err := jsonschema.CompileString("replited-config.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	asJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}

	var instance interface{}
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return fmt.Errorf("unmarshal config for validation: %w", err)
	}

	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", rerror.ErrConfigInvalid, err)
	}
	return nil
}

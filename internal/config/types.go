package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the whole bot configuration. It decodes strictly (unknown fields
// rejected) from YAML or JSON; all durations are Go duration strings.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is the long-poll timeout, e.g. "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`

	// AdminIDs are allowed to register chats, dispatch requests, and override
	// claimer-only actions.
	AdminIDs []int64 `json:"admin_ids"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// BroadcastConfig tunes the lifecycle engine.
//
// Defaults (when fields are omitted/zero):
//   - default_ttl_min: 15
//   - rate_per_sec: 10
//   - retry_max: 2
//   - retention: "168h" (7 days)
//   - prune_cron: "@hourly"
type BroadcastConfig struct {
	DefaultTTLMinutes int    `json:"default_ttl_min,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	Retention         string `json:"retention,omitempty"`
	PruneCron         string `json:"prune_cron,omitempty"`
}

type StorageConfig struct {
	// Driver: "file", "sqlite" (build tag), or "none". Empty disables
	// persistence, same as "none".
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is sqlite-only, e.g. "2s".
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate performs the structural checks shared by startup load and hot
// reload. Hot reloads that fail validation are rejected without being
// applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if c.Broadcast.DefaultTTLMinutes < 0 {
		return fmt.Errorf("broadcast.default_ttl_min must be >= 0")
	}
	if c.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	if c.Broadcast.RetryMax < 0 {
		return fmt.Errorf("broadcast.retry_max must be >= 0")
	}
	if _, err := ParseDurationOrDefault("broadcast.retention", c.Broadcast.Retention, 0); err != nil {
		return err
	}
	if _, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	return nil
}

// ParseDurationOrDefault parses a duration field, returning def for an empty
// value and a field-named error for a malformed one.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

package config

import (
	"errors"
	"fmt"
)

type Config struct {
	Telegram  TelegramConfig     `json:"telegram"`
	Logging   LoggingConfig      `json:"logging"`
	Limits    LimitsConfig       `json:"limits,omitempty"`
	Broadcast BroadcastConfig    `json:"broadcast,omitempty"`
	Storage   *StorageConfig     `json:"storage,omitempty"`
	Maint     *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	OwnerID int64  `json:"owner_id"`

	// PollTimeout is a Go duration string (e.g. "10s"). Long-poll window.
	PollTimeout string `json:"poll_timeout,omitempty"`

	// HandlerTimeout bounds one handler run, broadcasts included.
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

// LimitsConfig bounds per-operator registrations and request rates.
//
// Defaults (when fields are omitted/zero):
//   - max_channels: 5
//   - rate_messages: 20
//   - rate_window: "60s"
type LimitsConfig struct {
	MaxChannels  int    `json:"max_channels,omitempty"`
	RateMessages int    `json:"rate_messages,omitempty"`
	RateWindow   string `json:"rate_window,omitempty"`
}

// BroadcastConfig tunes fan-out delivery.
//
// Defaults: rate_per_sec 10, send_timeout "15s".
type BroadcastConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	// Driver selects the persistence backend: "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`
	// Path is the data file prefix (file driver) or database path (sqlite).
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MaintenanceConfig drives the periodic housekeeping job.
//
// Defaults: spec "@every 10m", session_ttl "30m", audit_retention "720h".
type MaintenanceConfig struct {
	Spec           string `json:"spec,omitempty"` // cron spec
	SessionTTL     string `json:"session_ttl,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.OwnerID <= 0 {
		return errors.New("telegram.owner_id is required")
	}
	if c.Limits.MaxChannels < 0 {
		return fmt.Errorf("limits.max_channels must be >= 0, got %d", c.Limits.MaxChannels)
	}
	if c.Limits.RateMessages < 0 {
		return fmt.Errorf("limits.rate_messages must be >= 0, got %d", c.Limits.RateMessages)
	}
	if c.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0, got %d", c.Broadcast.RatePerSec)
	}
	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver must be file or sqlite, got %q", c.Storage.Driver)
		}
	}
	for _, f := range [][2]string{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.handler_timeout", c.Telegram.HandlerTimeout},
		{"limits.rate_window", c.Limits.RateWindow},
		{"broadcast.send_timeout", c.Broadcast.SendTimeout},
	} {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Maint != nil {
		if _, err := ParseDurationField("maintenance.session_ttl", c.Maint.SessionTTL); err != nil {
			return err
		}
		if _, err := ParseDurationField("maintenance.audit_retention", c.Maint.AuditRetention); err != nil {
			return err
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-session ~/.chatd/sessions/<name>/config.toml.
type Config struct {
	ServerURL string `toml:"server_url"`
	UserID    string `toml:"user_id"`
	AuthToken string `toml:"auth_token"`

	Connection Connection `toml:"connection"`
	Outbox     Outbox     `toml:"outbox"`
	Typing     Typing     `toml:"typing"`
}

// Connection tunes the connection manager. Durations are TOML strings
// like "30s".
type Connection struct {
	BackoffBase      duration `toml:"backoff_base"`
	BackoffCap       duration `toml:"backoff_cap"`
	MaxAttempts      int      `toml:"max_attempts"`
	HeartbeatEvery   duration `toml:"heartbeat_every"`
	MissedHeartbeats int      `toml:"missed_heartbeats"`
}

// Outbox tunes the outbound queue retry budget.
type Outbox struct {
	SendAttempts int      `toml:"send_attempts"`
	RetryBackoff duration `toml:"retry_backoff"`
	AckTimeout   duration `toml:"ack_timeout"`
}

// Typing tunes the typing signaler.
type Typing struct {
	ResendInterval duration `toml:"resend_interval"`
	IdleTimeout    duration `toml:"idle_timeout"`
	ExpireAfter    duration `toml:"expire_after"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with all tuning fields set to their defaults.
func Default() *Config {
	return &Config{
		Connection: Connection{
			BackoffBase:      duration{time.Second},
			BackoffCap:       duration{30 * time.Second},
			MaxAttempts:      10,
			HeartbeatEvery:   duration{30 * time.Second},
			MissedHeartbeats: 3,
		},
		Outbox: Outbox{
			SendAttempts: 3,
			RetryBackoff: duration{500 * time.Millisecond},
			AckTimeout:   duration{10 * time.Second},
		},
		Typing: Typing{
			ResendInterval: duration{2 * time.Second},
			IdleTimeout:    duration{2 * time.Second},
			ExpireAfter:    duration{4 * time.Second},
		},
	}
}

// Load reads config from the given path, filling unset tuning fields
// with defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("config: connection.max_attempts must be >= 1")
	}
	if c.Outbox.SendAttempts < 1 {
		return fmt.Errorf("config: outbox.send_attempts must be >= 1")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

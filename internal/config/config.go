package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	SelfID         string  `toml:"self_id"`
	DisplayName    string  `toml:"display_name"`
	Engine         Engine  `toml:"engine"`
	Channel        Channel `toml:"channel"`
	NATS           NATS    `toml:"nats"`
	Redis          Redis   `toml:"redis"`
	Relay          Relay   `toml:"relay"`
}

// Engine tunes the per-conversation components.
type Engine struct {
	PageSize            int      `toml:"page_size"`
	CacheTTL            Duration `toml:"cache_ttl"`
	WindowLimit         int      `toml:"window_limit"`
	SendTimeout         Duration `toml:"send_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	RetryDelay          Duration `toml:"retry_delay"`
	TypingInactivity    Duration `toml:"typing_inactivity"`
	TypingTTL           Duration `toml:"typing_ttl"`
	SweepInterval       Duration `toml:"sweep_interval"`
	ReadDelay           Duration `toml:"read_delay"`
	DeliveryBatchWindow Duration `toml:"delivery_batch_window"`
}

// Channel tunes connection health and reconnects.
type Channel struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	MissedHeartbeats  int      `toml:"missed_heartbeats"`
	DegradedGrace     Duration `toml:"degraded_grace"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffCap        Duration `toml:"backoff_cap"`
	StabilityWindow   Duration `toml:"stability_window"`
	AckTimeout        Duration `toml:"ack_timeout"`
}

// NATS addresses the realtime broker.
type NATS struct {
	URL  string `toml:"url"`
	Name string `toml:"name"`
}

// Redis addresses the optional viewing-presence mirror. An empty Addr
// disables it.
// Relay configures the shared store process and the daemon's calls to it.
// DBPath empty means the default under the chatsync home.
type Relay struct {
	DBPath         string   `toml:"db_path"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(v time.Duration) Duration { return Duration{v} }

// Default returns a config carrying every default.
func Default() *Config {
	ch := channel.DefaultConfig()
	ob := outbound.DefaultConfig()
	pr := presence.DefaultConfig()
	rc := receipts.DefaultConfig()
	eng := conversation.DefaultConfig("")
	return &Config{
		DefaultProfile: "main",
		Engine: Engine{
			PageSize:            eng.PageSize,
			CacheTTL:            dur(eng.CacheTTL),
			WindowLimit:         eng.WindowLimit,
			SendTimeout:         dur(ob.SendTimeout),
			MaxRetries:          ob.MaxRetries,
			RetryDelay:          dur(ob.RetryDelay),
			TypingInactivity:    dur(pr.Inactivity),
			TypingTTL:           dur(pr.TTL),
			SweepInterval:       dur(pr.SweepInterval),
			ReadDelay:           dur(rc.ReadDelay),
			DeliveryBatchWindow: dur(rc.DeliveryBatchWindow),
		},
		Channel: Channel{
			HeartbeatInterval: dur(ch.HeartbeatInterval),
			HeartbeatTimeout:  dur(ch.HeartbeatTimeout),
			MissedHeartbeats:  ch.MissedHeartbeats,
			DegradedGrace:     dur(ch.DegradedGrace),
			BackoffBase:       dur(ch.BackoffBase),
			BackoffCap:        dur(ch.BackoffCap),
			StabilityWindow:   dur(ch.StabilityWindow),
			AckTimeout:        dur(ch.AckTimeout),
		},
		NATS:  NATS{URL: "nats://127.0.0.1:4222", Name: "chatsyncd"},
		Relay: Relay{RequestTimeout: dur(5 * time.Second)},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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

// EngineConfig maps the file sections onto the engine's config.
func (c *Config) EngineConfig() conversation.Config {
	e := c.Engine
	ch := c.Channel
	return conversation.Config{
		SelfID:      c.SelfID,
		DisplayName: c.DisplayName,
		PageSize:    e.PageSize,
		CacheTTL:    e.CacheTTL.Duration,
		WindowLimit: e.WindowLimit,
		Channel: channel.Config{
			HeartbeatInterval: ch.HeartbeatInterval.Duration,
			HeartbeatTimeout:  ch.HeartbeatTimeout.Duration,
			MissedHeartbeats:  ch.MissedHeartbeats,
			DegradedGrace:     ch.DegradedGrace.Duration,
			BackoffBase:       ch.BackoffBase.Duration,
			BackoffCap:        ch.BackoffCap.Duration,
			StabilityWindow:   ch.StabilityWindow.Duration,
			AckTimeout:        ch.AckTimeout.Duration,
		},
		Outbound: outbound.Config{
			SendTimeout: e.SendTimeout.Duration,
			MaxRetries:  e.MaxRetries,
			RetryDelay:  e.RetryDelay.Duration,
		},
		Presence: presence.Config{
			Inactivity:    e.TypingInactivity.Duration,
			TTL:           e.TypingTTL.Duration,
			SweepInterval: e.SweepInterval.Duration,
		},
		Receipts: receipts.Config{
			DeliveryBatchWindow: e.DeliveryBatchWindow.Duration,
			ReadDelay:           e.ReadDelay.Duration,
		},
	}
}

// Validate checks the fields the daemon cannot start without.
func (c *Config) Validate() error {
	switch {
	case c.SelfID == "":
		return fmt.Errorf("self_id is required")
	case c.Engine.PageSize <= 0:
		return fmt.Errorf("engine.page_size must be positive, got %d", c.Engine.PageSize)
	case c.Engine.MaxRetries < 0:
		return fmt.Errorf("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries)
	case c.NATS.URL == "":
		return fmt.Errorf("nats.url is required")
	case c.Relay.RequestTimeout.Duration <= 0:
		return fmt.Errorf("relay.request_timeout must be positive, got %s", c.Relay.RequestTimeout)
	}
	return nil
}

// ValidateRelay checks the fields the relay process needs. It runs without
// an identity.
func (c *Config) ValidateRelay() error {
	switch {
	case c.NATS.URL == "":
		return fmt.Errorf("nats.url is required")
	case c.Relay.RequestTimeout.Duration <= 0:
		return fmt.Errorf("relay.request_timeout must be positive, got %s", c.Relay.RequestTimeout)
	}
	return nil
}

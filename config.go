package chatsync

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config configures a Session. Zero values are replaced by defaults.
type Config struct {
	// BaseURL is the API origin, e.g. https://pm.example.com. The realtime
	// endpoint is derived from it (<base>/ws).
	BaseURL string

	// UserID and FullName identify the current user. When empty they are read
	// from the token claims.
	UserID   string
	FullName string

	// ReconnectBaseDelay is multiplied by the attempt number between retries.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts bounds the retries before the session is torn down.
	MaxReconnectAttempts int
	DialTimeout          time.Duration

	TypingDebounce      time.Duration
	TypingStopAfter     time.Duration
	TypingDecay         time.Duration
	TypingSweepInterval time.Duration

	ReadCooldown       time.Duration
	ReadNotifyDebounce time.Duration

	RefreshCooldown time.Duration
	// RefreshLatch is the longest a refresh may hold the in-progress latch.
	RefreshLatch time.Duration

	// TokenLeeway treats tokens as expired this long before their exp claim.
	TokenLeeway time.Duration

	HistoryPageSize int
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 1 * time.Second
	}
	if c.TypingStopAfter == 0 {
		c.TypingStopAfter = 3 * time.Second
	}
	if c.TypingDecay == 0 {
		c.TypingDecay = 3 * time.Second
	}
	if c.TypingSweepInterval == 0 {
		c.TypingSweepInterval = 1 * time.Second
	}
	if c.ReadCooldown == 0 {
		c.ReadCooldown = 3 * time.Second
	}
	if c.ReadNotifyDebounce == 0 {
		c.ReadNotifyDebounce = 1 * time.Second
	}
	if c.RefreshCooldown == 0 {
		c.RefreshCooldown = 5 * time.Second
	}
	if c.RefreshLatch == 0 {
		c.RefreshLatch = 10 * time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 50
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// fileConfig is the on-disk shape. Durations are Go duration strings ("1s").
type fileConfig struct {
	BaseURL  string `toml:"base_url"`
	UserID   string `toml:"user_id"`
	FullName string `toml:"full_name"`

	Reconnect struct {
		BaseDelay   string `toml:"base_delay"`
		MaxAttempts int    `toml:"max_attempts"`
		DialTimeout string `toml:"dial_timeout"`
	} `toml:"reconnect"`

	Typing struct {
		Debounce      string `toml:"debounce"`
		StopAfter     string `toml:"stop_after"`
		Decay         string `toml:"decay"`
		SweepInterval string `toml:"sweep_interval"`
	} `toml:"typing"`

	Read struct {
		Cooldown       string `toml:"cooldown"`
		NotifyDebounce string `toml:"notify_debounce"`
	} `toml:"read"`

	Refresh struct {
		Cooldown string `toml:"cooldown"`
		Latch    string `toml:"latch"`
	} `toml:"refresh"`

	TokenLeeway     string `toml:"token_leeway"`
	HistoryPageSize int    `toml:"history_page_size"`
}

// LoadConfigFile reads a TOML config file. Missing keys keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML config bytes.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}

	cfg := Config{
		BaseURL:              fc.BaseURL,
		UserID:               fc.UserID,
		FullName:             fc.FullName,
		MaxReconnectAttempts: fc.Reconnect.MaxAttempts,
		HistoryPageSize:      fc.HistoryPageSize,
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect.base_delay", fc.Reconnect.BaseDelay, &cfg.ReconnectBaseDelay},
		{"reconnect.dial_timeout", fc.Reconnect.DialTimeout, &cfg.DialTimeout},
		{"typing.debounce", fc.Typing.Debounce, &cfg.TypingDebounce},
		{"typing.stop_after", fc.Typing.StopAfter, &cfg.TypingStopAfter},
		{"typing.decay", fc.Typing.Decay, &cfg.TypingDecay},
		{"typing.sweep_interval", fc.Typing.SweepInterval, &cfg.TypingSweepInterval},
		{"read.cooldown", fc.Read.Cooldown, &cfg.ReadCooldown},
		{"read.notify_debounce", fc.Read.NotifyDebounce, &cfg.ReadNotifyDebounce},
		{"refresh.cooldown", fc.Refresh.Cooldown, &cfg.RefreshCooldown},
		{"refresh.latch", fc.Refresh.Latch, &cfg.RefreshLatch},
		{"token_leeway", fc.TokenLeeway, &cfg.TokenLeeway},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must not be negative", d.key, d.raw)
		}
		*d.dst = v
	}
	if cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("invalid reconnect.max_attempts %d", cfg.MaxReconnectAttempts)
	}

	cfg.defaults()
	return cfg, nil
}

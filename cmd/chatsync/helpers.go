package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Prismer-AI/chatsync"
)

// settings is what every network command needs from the config file.
type settings struct {
	cfg   chatsync.Config
	token string
}

func loadSettings() (*settings, error) {
	doc, err := loadDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	token := doc.str("token")
	if token == "" {
		return nil, errors.New("no token configured; run 'chatsync init <token>' first")
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	cfg, err := chatsync.ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("no base URL configured; run 'chatsync config set base_url <url>'")
	}
	return &settings{cfg: cfg, token: token}, nil
}

// newLogger builds the slog logger selected by --log-level and --log-json.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", flagLogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if flagLogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// newAPIClient creates a REST client from the config file.
func newAPIClient() (*chatsync.Client, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return chatsync.NewClient(chatsync.NewMemoryCredentials(s.token), chatsync.WithBaseURL(s.cfg.BaseURL)), nil
}

// newSession creates a realtime session from the config file. The caller
// starts and closes it.
func newSession(opts ...chatsync.Option) (*chatsync.Session, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	opts = append([]chatsync.Option{chatsync.WithLogger(logger)}, opts...)
	return chatsync.NewSession(s.cfg, chatsync.NewMemoryCredentials(s.token), opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 16 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Config file
// ============================================================================

// The CLI file is a superset of the library's: it adds the token. It is kept
// as a generic document so `config set` round-trips sections it does not know.
type document map[string]any

// intKeys are stored as TOML integers; everything else is a string.
var intKeys = map[string]bool{
	"reconnect.max_attempts": true,
	"history_page_size":      true,
}

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file, honouring --config.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadDocument reads the config file. A missing file is an empty document.
func loadDocument() (document, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	doc := document{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return doc, nil
}

// saveDocument validates doc against the library schema and writes it.
func saveDocument(doc document) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if _, err := chatsync.ParseConfig(data); err != nil {
		return err
	}
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func (d document) str(key string) string {
	v, _ := d[key].(string)
	return v
}

// set assigns a dotted key such as "typing.decay".
func (d document) set(key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) > 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return fmt.Errorf("key must be field or section.field (e.g. base_url, typing.decay)")
	}

	var v any = value
	if intKeys[key] {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer", key)
		}
		v = n
	}

	if len(parts) == 1 {
		d[key] = v
		return nil
	}
	section, _ := d[parts[0]].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	section[parts[1]] = v
	d[parts[0]] = section
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Chat sync CLI",
	Long:         "Command-line interface for the chat sync client.\nStore a token, inspect rooms, send messages and tail live events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ABOUTME: Configuration loading and parsing for palladium
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete palladium configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Stream  StreamConfig  `yaml:"stream" toml:"stream"`
	Sends   SendsConfig   `yaml:"sends" toml:"sends"`
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`
	Model   ModelConfig   `yaml:"model" toml:"model"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig points the client at the assistant service
type ServerConfig struct {
	URL            string        `yaml:"url" toml:"url"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// StorageConfig selects the durable medium for conversation logs
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, sqlite3, bolt, memory
	Path   string `yaml:"path" toml:"path"`
}

// StreamConfig tunes reply streaming
type StreamConfig struct {
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	FallbackText  string        `yaml:"fallback_text" toml:"fallback_text"`
	MaxRecordSize int           `yaml:"max_record_size" toml:"max_record_size"`

	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// SendsConfig holds idempotency key retention
type SendsConfig struct {
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`
	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// GatewayConfig holds the assistant gateway's HTTP settings
type GatewayConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	UploadDir      string   `yaml:"upload_dir" toml:"upload_dir"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ModelConfig selects the model behind the gateway
type ModelConfig struct {
	Provider     string `yaml:"provider" toml:"provider"` // openai or echo
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Name         string `yaml:"name" toml:"name"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Provider names accepted in model.provider
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Default returns a configuration that works with no file present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:               "http://localhost:8000",
			RequestTimeoutRaw: "30s",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DataPath(), "conversations.db"),
		},
		Stream: StreamConfig{
			IdleTimeoutRaw: "2m",
			FallbackText:   "Error processing your message.",
			MaxRecordSize:  1 << 20,
		},
		Sends: SendsConfig{
			DedupeTTLRaw: "10m",
			DedupeSize:   1000,
		},
		Gateway: GatewayConfig{
			HTTPAddr:       "localhost:8000",
			UploadDir:      filepath.Join(DataPath(), "uploads"),
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Model: ModelConfig{
			Provider:     ProviderEcho,
			Name:         "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the path to the config file.
// Priority: PALLADIUM_CONFIG env var > XDG_CONFIG_HOME/palladium/config.yaml > ~/.config/palladium/config.yaml
func Path() string {
	if envPath := os.Getenv("PALLADIUM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "palladium", "config.yaml")
}

// DataPath returns the palladium data directory.
// Priority: XDG_DATA_HOME/palladium > ~/.local/share/palladium
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "palladium")
}

// LoadOrDefault loads path, returning defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML. Values not
// set in the file keep their defaults. Environment variables in the format
// ${VAR_NAME} are expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https scheme")
	}

	switch c.Storage.Driver {
	case "sqlite", "sqlite3", "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3, bolt, memory", c.Storage.Driver)
	}

	if c.Stream.MaxRecordSize < 0 {
		return fmt.Errorf("stream.max_record_size must not be negative")
	}
	if c.Sends.DedupeSize < 0 {
		return fmt.Errorf("sends.dedupe_size must not be negative")
	}

	switch c.Model.Provider {
	case ProviderEcho:
	case ProviderOpenAI:
		if c.Model.Name == "" {
			return fmt.Errorf("model.name is required for provider %q", c.Model.Provider)
		}
	default:
		return fmt.Errorf("model.provider %q is not one of openai, echo", c.Model.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.RequestTimeoutRaw != "" {
		cfg.Server.RequestTimeout, err = time.ParseDuration(cfg.Server.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Server.RequestTimeoutRaw, err)
		}
	}

	if cfg.Stream.IdleTimeoutRaw != "" {
		cfg.Stream.IdleTimeout, err = time.ParseDuration(cfg.Stream.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Stream.IdleTimeoutRaw, err)
		}
	}

	if cfg.Sends.DedupeTTLRaw != "" {
		cfg.Sends.DedupeTTL, err = time.ParseDuration(cfg.Sends.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Sends.DedupeTTLRaw, err)
		}
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a collectd config file.
// All values are optional; environment variables and flags override them.
type File struct {
	Listen       string   `yaml:"listen"`
	HTTPAddr     string   `yaml:"http_addr"`
	LogLevel     string   `yaml:"log_level"`
	LogFile      string   `yaml:"log_file"`
	Sink         SinkFile `yaml:"sink"`
	Notify       Notify   `yaml:"notify"`
	AwaitTimeout Duration `yaml:"await_timeout"`
	UDPBuffer    int      `yaml:"udp_buffer"`
	MaxStreams   int      `yaml:"max_streams"`
	TUI          bool     `yaml:"tui"`
}

// SinkFile configures where completed files are stored.
type SinkFile struct {
	URL    *string `yaml:"url"`
	Prefix string  `yaml:"prefix"`
}

// Notify configures completion event publishing.
type Notify struct {
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
	WebhookURL   string `yaml:"webhook_url"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads a YAML config file, expands ${VAR} and ${VAR:-default}
// references, and unmarshals it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) applyTo(cfg *ServerConfig) {
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.HTTPAddr != "" {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.LogFile = f.LogFile
	}
	// An explicit empty url disables storing.
	if f.Sink.URL != nil {
		cfg.SinkURL = *f.Sink.URL
	}
	if f.Sink.Prefix != "" {
		cfg.SinkPrefix = f.Sink.Prefix
	}
	if f.Notify.RedisURL != "" {
		cfg.RedisURL = f.Notify.RedisURL
	}
	if f.Notify.RedisChannel != "" {
		cfg.RedisChannel = f.Notify.RedisChannel
	}
	if f.Notify.WebhookURL != "" {
		cfg.WebhookURL = f.Notify.WebhookURL
	}
	if f.AwaitTimeout.Duration > 0 {
		cfg.AwaitTimeout = f.AwaitTimeout.Duration
	}
	if f.UDPBuffer > 0 {
		cfg.UDPBuffer = f.UDPBuffer
	}
	if f.MaxStreams > 0 {
		cfg.MaxStreams = f.MaxStreams
	}
	if f.TUI {
		cfg.TUI = true
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}

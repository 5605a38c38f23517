package config

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// ServerConfig holds configuration for collectd.
type ServerConfig struct {
	ConfigPath   string        // Optional YAML file; values act as defaults below env and flags
	Listen       string        // UDP address for the QUIC listener (empty disables QUIC)
	HTTPAddr     string        // Address for the HTTP API and websocket ingest (empty disables HTTP)
	LogLevel     string        // debug, info, warn, error
	LogFile      string        // Log destination while the TUI owns the terminal (empty: discard)
	SinkURL      string        // gocloud blob URL for completed files (empty disables storing)
	SinkPrefix   string        // Key prefix inside the bucket
	RedisURL     string        // Publish completion events to Redis when set
	RedisChannel string        // Redis pub/sub channel
	WebhookURL   string        // POST completion events here when set
	AwaitTimeout time.Duration // Deadline for GET /files/{id}
	TUI          bool          // Render the in-flight progress TUI
	UDPBuffer    int           // Requested UDP socket buffer for the QUIC listener
	MaxStreams   int           // Concurrent incoming QUIC streams per connection
}

// SenderConfig holds configuration for chunksend.
type SenderConfig struct {
	Target     string        // host:port for quic, ws://host/ws for ws, http://host for http
	Transport  string        // quic, ws or http
	LogLevel   string        // debug, info, warn, error
	FileID     uint32        // File id announced to the receiver
	Path       string        // File to send (flag or first positional argument)
	ChunkSize  int           // Chunk size in bytes (default: 64 KiB)
	Overlap    int           // Bytes each chunk extends into its successor
	Duplicates int           // Extra random re-sends mixed into the plan
	Streams    int           // Parallel data streams (1..64)
	Compress   bool          // zstd-compress chunk payloads
	Seed       uint64        // Shuffle seed (0: time based)
	Timeout    time.Duration // Overall deadline for the transfer
}

const (
	defaultListen       = ":7443"
	defaultHTTPAddr     = ":8080"
	defaultSinkURL      = "file:///var/lib/collectd?create_dir=true"
	defaultRedisChannel = "sheerbytes:file_completed"
	defaultAwaitTimeout = 60 * time.Second
)

// ParseServerConfig parses collectd configuration from a YAML file, environment
// variables and flags, in increasing order of precedence.
// Defaults: listen=":7443", http-addr=":8080", log-level="info"
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:       defaultListen,
		HTTPAddr:     defaultHTTPAddr,
		LogLevel:     "info",
		SinkURL:      defaultSinkURL,
		RedisChannel: defaultRedisChannel,
		AwaitTimeout: defaultAwaitTimeout,
		UDPBuffer:    8 * 1024 * 1024,
		MaxStreams:   256,
	}

	cfg.ConfigPath = os.Getenv("SHEERBYTES_CONFIG")
	if path, ok := scanFlagValue(args, "config"); ok {
		cfg.ConfigPath = path
	}
	if cfg.ConfigPath != "" {
		file, err := Load(cfg.ConfigPath)
		if err != nil {
			return cfg, err
		}
		file.applyTo(&cfg)
	}

	// Environment overrides the file
	if v := os.Getenv("SHEERBYTES_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SHEERBYTES_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SHEERBYTES_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHEERBYTES_SINK_URL"); v != "" {
		cfg.SinkURL = v
	}
	if v := os.Getenv("SHEERBYTES_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("SHEERBYTES_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("SHEERBYTES_AWAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AwaitTimeout = d
		}
	}

	// Flags override env
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "QUIC listen address (empty disables QUIC)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API address (empty disables HTTP)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file used while the TUI is active")
	fs.StringVar(&cfg.SinkURL, "sink-url", cfg.SinkURL, "blob URL for completed files (empty disables storing)")
	fs.StringVar(&cfg.SinkPrefix, "sink-prefix", cfg.SinkPrefix, "key prefix for completed files")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for completion events")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "redis channel for completion events")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "webhook URL for completion events")
	fs.DurationVar(&cfg.AwaitTimeout, "await-timeout", cfg.AwaitTimeout, "deadline for HTTP file retrieval")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "render the progress TUI")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer size in bytes")
	fs.IntVar(&cfg.MaxStreams, "max-streams", cfg.MaxStreams, "max concurrent QUIC streams per connection")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = defaultAwaitTimeout
	}
	return cfg, nil
}

// ParseSenderConfig parses chunksend configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseSenderConfig() (SenderConfig, error) {
	return parseSenderConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSenderConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) (SenderConfig, error) {
	cfg := SenderConfig{
		Target:    "localhost:7443",
		Transport: "quic",
		LogLevel:  "info",
		ChunkSize: 64 * 1024,
		Streams:   4,
		Timeout:   5 * time.Minute,
	}

	// Read from environment first
	if v := os.Getenv("SHEERBYTES_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv("SHEERBYTES_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("SHEERBYTES_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	fs.StringVar(&cfg.Target, "target", cfg.Target, "receiver address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws, http)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "file to send")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.IntVar(&cfg.Overlap, "overlap", cfg.Overlap, "bytes each chunk overlaps the next")
	fs.IntVar(&cfg.Duplicates, "duplicates", cfg.Duplicates, "extra random chunk re-sends")
	fs.IntVar(&cfg.Streams, "streams", cfg.Streams, "parallel data streams (1..64)")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "zstd-compress chunk payloads")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "shuffle seed (0: time based)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall transfer deadline")

	// FileID flag - use uint64 and convert
	var fileID uint64
	fs.Uint64Var(&fileID, "file-id", 0, "file id announced to the receiver")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fileID > math.MaxUint32 {
		return cfg, fmt.Errorf("file-id %d out of range", fileID)
	}
	cfg.FileID = uint32(fileID)

	if cfg.Path == "" && fs.NArg() > 0 {
		cfg.Path = fs.Arg(0)
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	switch cfg.Transport {
	case "quic", "ws", "http":
	default:
		return cfg, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	// Chunks are PUT as raw request bodies.
	if cfg.Compress && cfg.Transport == "http" {
		return cfg, fmt.Errorf("--compress is not supported by the http transport")
	}

	if cfg.Streams < 1 {
		cfg.Streams = 1
	}
	if cfg.Streams > 64 {
		cfg.Streams = 64
	}
	return cfg, nil
}

// scanFlagValue finds -name/--name in args before flag parsing, so the config
// file can be loaded ahead of the flags that override it.
func scanFlagValue(args []string, name string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v, true
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

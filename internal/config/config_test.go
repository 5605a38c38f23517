package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collectd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Listen != ":7443" {
		t.Errorf("expected Listen to be :7443, got %s", cfg.Listen)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr to be :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.AwaitTimeout != 60*time.Second {
		t.Errorf("expected AwaitTimeout 60s, got %s", cfg.AwaitTimeout)
	}
	if cfg.RedisChannel != "sheerbytes:file_completed" {
		t.Errorf("unexpected default channel %s", cfg.RedisChannel)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	t.Setenv("SHEERBYTES_LISTEN", ":7000")
	t.Setenv("SHEERBYTES_LOG_LEVEL", "warn")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-log-level", "error", "-tui"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Listen != ":7000" {
		t.Errorf("expected Listen from env, got %s", cfg.Listen)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error (from flag), got %s", cfg.LogLevel)
	}
	if !cfg.TUI {
		t.Errorf("expected TUI enabled")
	}
}

func TestParseServerConfig_YAMLFile(t *testing.T) {
	os.Clearenv()
	t.Setenv("BUCKET_DIR", "/srv/files")

	path := writeConfig(t, `
listen: ":9443"
http_addr: ":9090"
log_level: debug
sink:
  url: "file://${BUCKET_DIR}?create_dir=true"
  prefix: "incoming/"
notify:
  redis_url: "redis://localhost:6379/0"
  redis_channel: "${CHANNEL:-files}"
await_timeout: 5s
`)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-config", path, "-http-addr", ":1234"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Listen != ":9443" {
		t.Errorf("expected Listen from file, got %s", cfg.Listen)
	}
	if cfg.HTTPAddr != ":1234" {
		t.Errorf("expected flag to override file, got %s", cfg.HTTPAddr)
	}
	if cfg.SinkURL != "file:///srv/files?create_dir=true" {
		t.Errorf("env expansion failed: %s", cfg.SinkURL)
	}
	if cfg.SinkPrefix != "incoming/" {
		t.Errorf("unexpected prefix %s", cfg.SinkPrefix)
	}
	if cfg.RedisChannel != "files" {
		t.Errorf("expected default from ${CHANNEL:-files}, got %s", cfg.RedisChannel)
	}
	if cfg.AwaitTimeout != 5*time.Second {
		t.Errorf("expected 5s await timeout, got %s", cfg.AwaitTimeout)
	}
}

func TestParseServerConfig_YAMLEmptySinkDisables(t *testing.T) {
	os.Clearenv()
	path := writeConfig(t, "sink:\n  url: \"\"\n")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"--config=" + path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SinkURL != "" {
		t.Errorf("expected sink disabled, got %s", cfg.SinkURL)
	}
}

func TestParseServerConfig_MissingFile(t *testing.T) {
	os.Clearenv()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := parseServerConfigWithFlagSet(fs, []string{"-config", "/nonexistent/collectd.yaml"}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseSenderConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSenderConfigWithFlagSet(fs, []string{"data.bin"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Transport != "quic" || cfg.Target != "localhost:7443" {
		t.Errorf("unexpected transport defaults: %s %s", cfg.Transport, cfg.Target)
	}
	if cfg.Path != "data.bin" {
		t.Errorf("expected positional path, got %q", cfg.Path)
	}
	if cfg.ChunkSize != 64*1024 || cfg.Streams != 4 {
		t.Errorf("unexpected chunk defaults: %d %d", cfg.ChunkSize, cfg.Streams)
	}
}

func TestParseSenderConfig_FlagsAndClamps(t *testing.T) {
	os.Clearenv()
	t.Setenv("SHEERBYTES_TRANSPORT", "ws")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSenderConfigWithFlagSet(fs, []string{
		"-file-id", "77", "-streams", "500", "-compress", "-overlap", "16", "-path", "x.bin",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Transport != "ws" {
		t.Errorf("expected transport from env, got %s", cfg.Transport)
	}
	if cfg.FileID != 77 {
		t.Errorf("expected file id 77, got %d", cfg.FileID)
	}
	if cfg.Streams != 64 {
		t.Errorf("expected streams clamped to 64, got %d", cfg.Streams)
	}
	if !cfg.Compress || cfg.Overlap != 16 {
		t.Errorf("unexpected compress/overlap: %v %d", cfg.Compress, cfg.Overlap)
	}
}

func TestParseSenderConfig_Rejects(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := parseSenderConfigWithFlagSet(fs, []string{"-file-id", "4294967296"}); err == nil {
		t.Error("expected out-of-range file id to fail")
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := parseSenderConfigWithFlagSet(fs, []string{"-transport", "carrier-pigeon"}); err == nil {
		t.Error("expected unknown transport to fail")
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := parseSenderConfigWithFlagSet(fs, []string{"-transport", "http", "-compress"}); err == nil {
		t.Error("expected compress over http to fail")
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := parseSenderConfigWithFlagSet(fs, []string{"-transport", "ws", "-compress"}); err != nil {
		t.Errorf("compress over ws should be accepted: %v", err)
	}
}

func TestScanFlagValue(t *testing.T) {
	cases := []struct {
		args []string
		want string
		ok   bool
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml", true},
		{[]string{"--config=b.yaml"}, "b.yaml", true},
		{[]string{"-listen", ":1", "-config=c.yaml"}, "c.yaml", true},
		{[]string{"--", "-config", "d.yaml"}, "", false},
		{[]string{"-config"}, "", false},
	}
	for _, tc := range cases {
		got, ok := scanFlagValue(tc.args, "config")
		if got != tc.want || ok != tc.ok {
			t.Errorf("scanFlagValue(%v) = %q,%v want %q,%v", tc.args, got, ok, tc.want, tc.ok)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sheerbytes/reassembly/internal/app"
	"github.com/sheerbytes/reassembly/internal/config"
	"github.com/sheerbytes/reassembly/internal/httpapi"
	"github.com/sheerbytes/reassembly/internal/logging"
	"github.com/sheerbytes/reassembly/internal/notify"
	"github.com/sheerbytes/reassembly/internal/progress"
	"github.com/sheerbytes/reassembly/internal/quictransport"
	"github.com/sheerbytes/reassembly/internal/sink"
	"github.com/sheerbytes/reassembly/internal/termio"
	"github.com/sheerbytes/reassembly/internal/wsingest"
)

const serverVersion = "v0.1.0"

func main() {
	args := os.Args[1:]
	if hasFlag(args, "--help", "-h") {
		printUsage()
		termio.Flush()
		return
	}
	if hasFlag(args, "--version", "-v") {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(termio.Stderr(), "collectd: %v\n", err)
		termio.Flush()
		os.Exit(1)
	}
	termio.Flush()
}

func run() error {
	cfg, err := config.ParseServerConfig()
	if err != nil {
		return err
	}
	if cfg.Listen == "" && cfg.HTTPAddr == "" {
		return errors.New("nothing to serve: both --listen and --http-addr are empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	var store app.Store
	if cfg.SinkURL != "" {
		s, err := sink.Open(ctx, cfg.SinkURL, cfg.SinkPrefix)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
		logger.Info("storing completed files", "url", cfg.SinkURL, "prefix", cfg.SinkPrefix)
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer notifier.Close()
	}

	receiver := app.NewReceiver(app.ReceiverOptions{
		Store:    store,
		Notifier: notifier,
		Logger:   logger,
	})
	defer receiver.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.Listen != "" {
		qt, err := quictransport.Listen(cfg.Listen, logger, quictransport.Tuning{
			UDPBuffer:    cfg.UDPBuffer,
			ConnWindow:   quictransport.DefaultTuning().ConnWindow,
			StreamWindow: quictransport.DefaultTuning().StreamWindow,
			MaxStreams:   cfg.MaxStreams,
		})
		if err != nil {
			return err
		}
		defer qt.Close()
		receiver.AddListener("quic " + qt.Addr().String())
		fmt.Fprintf(termio.Stdout(), "listening quic=%s\n", qt.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := receiver.ServeTransport(ctx, qt); err != nil {
				errCh <- err
			}
		}()
	}

	var (
		srv *http.Server
		ws  *wsingest.Handler
	)
	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", cfg.HTTPAddr, err)
		}
		ws = wsingest.NewHandler(receiver, logger)
		srv = &http.Server{
			Handler: httpapi.NewRouter(receiver, httpapi.Options{
				AwaitTimeout: cfg.AwaitTimeout,
				WebSocket:    ws,
				Logger:       logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		receiver.AddListener("http " + ln.Addr().String())
		fmt.Fprintf(termio.Stdout(), "listening http=%s\n", ln.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	stopUI := startUI(ctx, cfg, receiver, stop)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stop()
	stopUI()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		cancel()
		ws.Wait()
	}
	wg.Wait()
	return runErr
}

// newLogger logs to stdout, or to cfg.LogFile (discarding when unset) while
// the TUI owns the terminal.
func newLogger(cfg config.ServerConfig) (*slog.Logger, func(), error) {
	if !cfg.TUI {
		return logging.New("collectd", cfg.LogLevel), func() {}, nil
	}
	if cfg.LogFile == "" {
		return logging.NewWithWriter(io.Discard, "collectd", cfg.LogLevel), func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewWithWriter(f, "collectd", cfg.LogLevel), func() { f.Close() }, nil
}

func newNotifier(cfg config.ServerConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.RedisURL != "" {
		r, err := notify.NewRedis(notify.RedisConfig{URL: cfg.RedisURL, Channel: cfg.RedisChannel, Retries: 2})
		if err != nil {
			return nil, err
		}
		multi = append(multi, r)
	}
	if cfg.WebhookURL != "" {
		w, err := notify.NewWebhook(notify.WebhookConfig{URL: cfg.WebhookURL, Retries: 2})
		if err != nil {
			multi.Close()
			return nil, err
		}
		multi = append(multi, w)
	}
	switch len(multi) {
	case 0:
		return nil, nil
	case 1:
		return multi[0], nil
	default:
		return multi, nil
	}
}

func startUI(ctx context.Context, cfg config.ServerConfig, receiver *app.Receiver, quit func()) func() {
	if !cfg.TUI {
		return func() {}
	}
	if !progress.IsTTY(os.Stdout) {
		return progress.RenderLines(ctx, termio.Stdout(), receiver.View, 5*time.Second)
	}
	return progress.RunTUI(ctx, os.Stdout, receiver.View, quit)
}

func printUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: collectd [flags]")
	fmt.Fprintln(w, "  --config PATH            YAML config file (env SHEERBYTES_CONFIG)")
	fmt.Fprintln(w, "  --listen ADDR            QUIC listen address (default :7443, empty disables)")
	fmt.Fprintln(w, "  --http-addr ADDR         HTTP API and websocket address (default :8080, empty disables)")
	fmt.Fprintln(w, "  --log-level LEVEL        debug, info, warn, error (default info)")
	fmt.Fprintln(w, "  --log-file PATH          log destination while the TUI is active")
	fmt.Fprintln(w, "  --sink-url URL           blob URL for completed files (file://, mem://, s3://, gs://)")
	fmt.Fprintln(w, "  --sink-prefix PREFIX     key prefix for completed files")
	fmt.Fprintln(w, "  --redis-url URL          publish completion events to redis")
	fmt.Fprintln(w, "  --redis-channel NAME     redis channel (default sheerbytes:file_completed)")
	fmt.Fprintln(w, "  --webhook-url URL        POST completion events to this URL")
	fmt.Fprintln(w, "  --await-timeout DURATION deadline for GET /files/{id} (default 60s)")
	fmt.Fprintln(w, "  --udp-buffer BYTES       UDP socket buffer for QUIC (default 8MiB)")
	fmt.Fprintln(w, "  --max-streams N          max QUIC streams per connection (default 256)")
	fmt.Fprintln(w, "  --tui                    show in-flight files")
}

func hasFlag(args []string, names ...string) bool {
	for _, arg := range args {
		for _, name := range names {
			if arg == name {
				return true
			}
		}
	}
	return false
}

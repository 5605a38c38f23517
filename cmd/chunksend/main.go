package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/reassembly/internal/clienthttp"
	"github.com/sheerbytes/reassembly/internal/collector"
	"github.com/sheerbytes/reassembly/internal/config"
	"github.com/sheerbytes/reassembly/internal/logging"
	"github.com/sheerbytes/reassembly/internal/quictransport"
	"github.com/sheerbytes/reassembly/internal/termio"
	"github.com/sheerbytes/reassembly/internal/transfer"
	"github.com/sheerbytes/reassembly/internal/wsclient"
)

const senderVersion = "v0.1.0"

// sender is satisfied by every transport's client.
type sender interface {
	SendFile(ctx context.Context, id collector.FileID, data []byte, opts transfer.SendOptions) error
	Close() error
}

func main() {
	args := os.Args[1:]
	if hasFlag(args, "--help", "-h") {
		printUsage()
		termio.Flush()
		return
	}
	if hasFlag(args, "--version", "-v") {
		fmt.Fprintln(termio.Stdout(), senderVersion)
		termio.Flush()
		return
	}

	code := 0
	if err := run(); err != nil {
		fmt.Fprintf(termio.Stderr(), "chunksend: %v\n", err)
		code = 1
		if errors.Is(err, transfer.ErrRejected) {
			code = 2
		}
	}
	termio.Flush()
	os.Exit(code)
}

func run() error {
	cfg, err := config.ParseSenderConfig()
	if err != nil {
		return err
	}
	if cfg.Path == "" {
		return errors.New("no file given (use --path or a positional argument)")
	}
	logger := logging.NewWithWriter(os.Stderr, "chunksend", cfg.LogLevel)

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", cfg.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	s, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := transfer.SendOptions{
		PlanOptions: transfer.PlanOptions{
			ChunkSize:  cfg.ChunkSize,
			Overlap:    cfg.Overlap,
			Duplicates: cfg.Duplicates,
			Seed:       cfg.Seed,
		},
		Streams:  cfg.Streams,
		Compress: cfg.Compress,
		Logger:   logger,
	}

	start := time.Now()
	logger.Info("sending file", "path", cfg.Path, "file_id", cfg.FileID, "size", len(data), "transport", cfg.Transport, "target", cfg.Target)
	if err := s.SendFile(ctx, collector.FileID(cfg.FileID), data, opts); err != nil {
		return err
	}
	elapsed := time.Since(start)
	if cfg.Transport == "http" {
		logger.Info("chunks uploaded; completion is not awaited over http", "file_id", cfg.FileID)
	}
	fmt.Fprintf(termio.Stdout(), "sent file_id=%d bytes=%d elapsed=%s rate=%.1fMB/s\n",
		cfg.FileID, len(data), elapsed.Round(time.Millisecond),
		float64(len(data))/elapsed.Seconds()/(1024*1024))
	return nil
}

func connect(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) (sender, error) {
	switch cfg.Transport {
	case "ws":
		conn, err := wsclient.Dial(ctx, cfg.Target, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "http":
		return httpSender{clienthttp.New(cfg.Target)}, nil
	default:
		dialer := quictransport.NewDialer(logger)
		conn, err := dialer.Dial(ctx, cfg.Target)
		if err != nil {
			return nil, err
		}
		return quicSender{conn: conn, dialer: dialer}, nil
	}
}

type quicSender struct {
	conn   transfer.Conn
	dialer *quictransport.Transport
}

func (q quicSender) SendFile(ctx context.Context, id collector.FileID, data []byte, opts transfer.SendOptions) error {
	return transfer.SendFile(ctx, q.conn, id, data, opts)
}

func (q quicSender) Close() error {
	err := q.conn.Close()
	q.dialer.Close()
	return err
}

type httpSender struct {
	*clienthttp.Client
}

func (httpSender) Close() error { return nil }

func printUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: chunksend [flags] FILE")
	fmt.Fprintln(w, "  --target ADDR        host:port (quic), ws://host:port/ws (ws) or http://host:port (http)")
	fmt.Fprintln(w, "  --transport NAME     quic, ws or http (default quic)")
	fmt.Fprintln(w, "  --file-id N          file id announced to the receiver (default 0)")
	fmt.Fprintln(w, "  --chunk-size BYTES   chunk size (default 65536)")
	fmt.Fprintln(w, "  --overlap BYTES      bytes each chunk overlaps the next")
	fmt.Fprintln(w, "  --duplicates N       extra random chunk re-sends")
	fmt.Fprintln(w, "  --streams N          parallel streams, 1..64 (default 4)")
	fmt.Fprintln(w, "  --compress           zstd-compress chunk payloads (quic and ws only)")
	fmt.Fprintln(w, "  --seed N             shuffle seed (default time based)")
	fmt.Fprintln(w, "  --timeout DURATION   overall deadline (default 5m)")
	fmt.Fprintln(w, "  --log-level LEVEL    debug, info, warn, error (default info)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "quic and ws wait for the receiver to report the file complete; http returns")
	fmt.Fprintln(w, "once every chunk has been uploaded.")
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

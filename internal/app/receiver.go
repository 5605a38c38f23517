// Package app wires the collector to storage, notifications and the
// network transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/reassembly/internal/collector"
	"github.com/sheerbytes/reassembly/internal/notify"
	"github.com/sheerbytes/reassembly/internal/progress"
	"github.com/sheerbytes/reassembly/internal/transfer"
)

// Store persists a completed file and returns the key it was written under.
// *sink.Sink implements it.
type Store interface {
	Store(ctx context.Context, id uint32, data []byte) (string, error)
}

// ReceiverOptions configures a Receiver. Nil Store and Notifier disable
// those stages.
type ReceiverOptions struct {
	Store          Store
	Notifier       notify.Notifier
	Logger         *slog.Logger
	PublishTimeout time.Duration // per completion (default 30s)
}

// Receiver is the transfer.Target behind every ingest surface. It forwards
// to a collector and, for each file it begins, waits for completion and
// then stores and announces the result.
type Receiver struct {
	collector *collector.Collector
	store     Store
	notifier  notify.Notifier
	logger    *slog.Logger
	meter     *progress.Meter
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	stored    atomic.Int64
	failed    atomic.Int64
	lastLog   atomic.Int64

	mu        sync.Mutex
	listening []string
}

var _ transfer.Target = (*Receiver)(nil)

// NewReceiver returns a Receiver with its own collector.
func NewReceiver(opts ReceiverOptions) *Receiver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		collector: collector.New(collector.WithLogger(logger)),
		store:     opts.Store,
		notifier:  opts.Notifier,
		logger:    logger,
		meter:     progress.NewMeter(),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Begin registers the file and starts its completion consumer.
func (r *Receiver) Begin(id collector.FileID, size int64) error {
	if err := r.collector.Begin(id, size); err != nil {
		return err
	}
	r.meter.AddTotal(size)

	h, err := r.collector.Await(id)
	if err != nil {
		// Completed by chunks that raced ahead of us; nothing left to consume.
		r.logger.Warn("file completed before consumer attached", "file_id", id)
		return nil
	}

	r.wg.Add(1)
	go r.consume(h, size, time.Now())
	return nil
}

// Deliver forwards a chunk to the collector.
func (r *Receiver) Deliver(id collector.FileID, offset int64, p []byte) {
	r.meter.Add(len(p))
	r.collector.Deliver(id, offset, p)

	if shouldLogProgress(&r.lastLog) {
		s := r.meter.Snapshot()
		r.logger.Debug("ingest progress", "bytes", s.BytesDone, "rate_bps", int64(s.RateBps))
	}
}

// Await returns the completion handle of an in-flight file.
func (r *Receiver) Await(id collector.FileID) (*collector.Handle, error) {
	return r.collector.Await(id)
}

// Pending lists in-flight files.
func (r *Receiver) Pending() []collector.Progress {
	return r.collector.Pending()
}

func (r *Receiver) consume(h *collector.Handle, size int64, started time.Time) {
	defer r.wg.Done()

	data, err := h.Wait(r.ctx)
	if err != nil {
		// Shutting down.
		return
	}
	r.completed.Add(1)
	id := h.ID()
	took := time.Since(started)
	r.logger.Info("file reassembled", "file_id", id, "size", size, "duration", took)

	// Completed files are stored even when Close is in progress.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var key string
	if r.store != nil {
		key, err = r.store.Store(ctx, uint32(id), data)
		if err != nil {
			r.failed.Add(1)
			r.logger.Error("store failed", "file_id", id, "error", err)
			return
		}
		r.stored.Add(1)
		r.logger.Debug("file stored", "file_id", id, "key", key)
	}

	if r.notifier != nil {
		event := notify.NewEvent(uint32(id), size, key, time.Now(), took)
		if err := r.notifier.Publish(ctx, event); err != nil {
			r.failed.Add(1)
			r.logger.Error("completion notify failed", "file_id", id, "error", err)
		}
	}
}

// ServeTransport accepts connections from t and serves every stream they
// open until ctx is done or t is closed. It returns nil on shutdown.
func (r *Receiver) ServeTransport(ctx context.Context, t transfer.Transport) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := t.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		r.logger.Debug("sender connected", "remote_addr", conn.RemoteAddr())

		wg.Add(1)
		go func(c transfer.Conn) {
			defer wg.Done()
			defer c.Close()
			r.serveConn(ctx, c)
		}(conn)
	}
}

func (r *Receiver) serveConn(ctx context.Context, conn transfer.Conn) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			r.logger.Debug("sender disconnected", "remote_addr", conn.RemoteAddr(), "error", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Close()
			err := transfer.ServeStream(ctx, s, r, r.logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stream ended with error", "remote_addr", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// AddListener records an address shown in the progress view.
func (r *Receiver) AddListener(desc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = append(r.listening, desc)
}

// View returns the current progress view.
func (r *Receiver) View() progress.View {
	r.mu.Lock()
	listening := append([]string(nil), r.listening...)
	r.mu.Unlock()
	return progress.View{
		Stats:     r.meter.Snapshot(),
		Files:     r.collector.Pending(),
		Completed: r.completed.Load(),
		Stored:    r.stored.Load(),
		Failed:    r.failed.Load(),
		Listening: listening,
	}
}

// Close stops waiting for in-flight files and waits for running consumers.
// Files already completed finish storing and notifying first.
func (r *Receiver) Close() {
	r.cancel()
	r.wg.Wait()
}

package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sheerbytes/reassembly/internal/collector"
)

// Target receives announced files and their chunks. *collector.Collector
// satisfies it; the receiver application wraps one to add side effects.
type Target interface {
	Begin(id collector.FileID, size int64) error
	Deliver(id collector.FileID, offset int64, p []byte)
	Await(id collector.FileID) (*collector.Handle, error)
}

var _ Target = (*collector.Collector)(nil)

// ServeStream reads frames from s until the peer closes it, ctx is done, or
// a fatal frame error occurs.
//
// An announce frame begins a file and is answered with ack or error; once the
// file is assembled a complete frame follows on the same stream. Chunk frames
// are delivered to target. Clean EOF returns nil.
func ServeStream(ctx context.Context, s Stream, target Target, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := ReadPreamble(s); err != nil {
		return err
	}

	reader := NewFrameReader(s)
	defer reader.Release()
	writer := NewFrameWriter(s)

	d := NewDispatcher(ctx, target, writer.WriteFrame, logger)
	defer func() {
		cancel()
		d.Close()
	}()

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsFatalFrameError(err) {
				return err
			}
			logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if err := d.Handle(f); err != nil {
			return err
		}
	}
}

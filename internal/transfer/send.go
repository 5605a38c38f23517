package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/greyh4t/hackpool"

	"github.com/sheerbytes/reassembly/internal/collector"
)

// ErrRejected is returned when the receiver answers an announce with an error frame.
var ErrRejected = errors.New("file rejected by receiver")

// SendOptions configures SendFile.
type SendOptions struct {
	PlanOptions
	Streams  int  // Parallel data streams
	Compress bool // zstd-compress chunk payloads
	Logger   *slog.Logger
}

// SendFile announces data as file id over conn, sends its chunks across
// parallel streams, and returns once the receiver reports the file complete.
func SendFile(ctx context.Context, conn Conn, id collector.FileID, data []byte, opts SendOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	streams := max(opts.Streams, 1)

	control, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	defer control.Close()
	stop := context.AfterFunc(ctx, func() { control.Close() })
	defer stop()

	if err := WritePreamble(control); err != nil {
		return err
	}
	writer := NewFrameWriter(control)
	reader := NewFrameReader(control)
	defer reader.Release()

	size := int64(len(data))
	if err := writer.WriteFrame(&Frame{Type: TypeAnnounce, FileID: uint32(id), Size: size}); err != nil {
		return err
	}
	if err := expect(ctx, reader, TypeAck, id); err != nil {
		return err
	}
	logger.Debug("file acknowledged", "file_id", id, "size", size)

	spans := Plan(size, opts.PlanOptions)
	if len(spans) == 0 {
		return expect(ctx, reader, TypeComplete, id)
	}
	batches := make([][]Span, min(streams, len(spans)))
	for i, sp := range spans {
		batches[i%len(batches)] = append(batches[i%len(batches)], sp)
	}

	var (
		errOnce sync.Once
		sendErr error
	)
	pool := hackpool.New(len(batches), func(args ...interface{}) {
		batch := args[0].([]Span)
		if err := sendBatch(ctx, conn, id, data, batch, opts.Compress); err != nil {
			errOnce.Do(func() { sendErr = err })
		}
	})
	go func() {
		for _, batch := range batches {
			pool.Push(batch)
		}
		pool.CloseQueue()
	}()
	pool.Run()
	if sendErr != nil {
		return sendErr
	}
	logger.Debug("chunks sent", "file_id", id, "chunks", len(spans), "streams", len(batches))

	return expect(ctx, reader, TypeComplete, id)
}

func sendBatch(ctx context.Context, conn Conn, id collector.FileID, data []byte, batch []Span, compress bool) error {
	s, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}
	defer s.Close()

	if err := WritePreamble(s); err != nil {
		return err
	}
	writer := NewFrameWriter(s)
	for _, sp := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := Frame{Type: TypeChunk, FileID: uint32(id), Offset: sp.Offset, Data: data[sp.Offset:sp.End()]}
		if compress {
			if f.Data, err = Compress(f.Data); err != nil {
				return err
			}
			f.Codec = CodecZstd
		}
		if err := writer.WriteFrame(&f); err != nil {
			return err
		}
	}
	return nil
}

// expect reads control frames until one of type want arrives for id.
func expect(ctx context.Context, reader *FrameReader, want string, id collector.FileID) error {
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("waiting for %s of file %d: %w", want, id, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("waiting for %s of file %d: %w", want, id, err)
		}
		if f.FileID != uint32(id) {
			continue
		}
		switch f.Type {
		case want:
			return nil
		case TypeError:
			return fmt.Errorf("file %d: %w: %s", id, ErrRejected, f.Message)
		}
	}
}

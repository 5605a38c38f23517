package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/reassembly/internal/collector"
)

// Dispatcher applies decoded frames to a Target. Announces are answered
// through reply with ack or error, and a complete frame follows once the file
// is assembled. Every ingest path (QUIC streams, websocket messages) feeds
// its frames through one.
//
// Handle is not safe for concurrent use; reply must be.
type Dispatcher struct {
	ctx     context.Context
	target  Target
	reply   func(*Frame) error
	logger  *slog.Logger
	scratch []byte

	watchers sync.WaitGroup
}

// NewDispatcher returns a Dispatcher whose completion watchers stop when ctx
// is done.
func NewDispatcher(ctx context.Context, target Target, reply func(*Frame) error, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		target:  target,
		reply:   reply,
		logger:  logger,
		scratch: frameBufs.Get(scratchSize),
	}
}

// Handle applies f. Chunk payloads are only borrowed for the call. A non-nil
// error means reply failed and the connection should be dropped.
func (d *Dispatcher) Handle(f *Frame) error {
	switch f.Type {
	case TypeChunk:
		data, err := ChunkPayload(f, d.scratch)
		if err != nil {
			d.logger.Warn("dropping chunk", "file_id", f.FileID, "offset", f.Offset, "error", err)
			return nil
		}
		d.target.Deliver(collector.FileID(f.FileID), f.Offset, data)

	case TypeAnnounce:
		id := collector.FileID(f.FileID)
		h, err := announce(d.target, id, f.Size)
		if err != nil {
			d.logger.Info("announce rejected", "file_id", id, "size", f.Size, "error", err)
			return d.reply(&Frame{Type: TypeError, FileID: f.FileID, Message: err.Error()})
		}
		if err := d.reply(&Frame{Type: TypeAck, FileID: f.FileID, Size: f.Size}); err != nil {
			return err
		}
		d.watchers.Add(1)
		go func() {
			defer d.watchers.Done()
			data, err := h.Wait(d.ctx)
			if err != nil {
				return
			}
			if err := d.reply(&Frame{Type: TypeComplete, FileID: uint32(id), Size: int64(len(data))}); err != nil {
				d.logger.Debug("complete not delivered", "file_id", id, "error", err)
			}
		}()

	default:
		d.logger.Debug("ignoring frame", "type", f.Type, "file_id", f.FileID)
	}
	return nil
}

// Close waits for completion watchers and returns the scratch buffer. Unless
// ctx is already done it blocks until every announced file completes.
func (d *Dispatcher) Close() {
	d.watchers.Wait()
	frameBufs.Put(d.scratch)
	d.scratch = nil
}

// announce begins id and takes its handle before any chunk can arrive.
func announce(target Target, id collector.FileID, size int64) (*collector.Handle, error) {
	if err := target.Begin(id, size); err != nil {
		return nil, err
	}
	h, err := target.Await(id)
	if err != nil {
		return nil, fmt.Errorf("file %d completed before it was acknowledged: %w", id, err)
	}
	return h, nil
}

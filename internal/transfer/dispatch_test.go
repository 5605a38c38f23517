package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sheerbytes/reassembly/internal/collector"
)

func newTestDispatcher(t *testing.T, reply func(*Frame) error) (*Dispatcher, *collector.Collector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New()
	d := NewDispatcher(ctx, c, reply, discardLogger)
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return d, c
}

func nextReply(t *testing.T, replies <-chan *Frame) *Frame {
	t.Helper()
	select {
	case f := <-replies:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no reply frame")
		return nil
	}
}

func TestDispatcherAnnounceChunksComplete(t *testing.T) {
	replies := make(chan *Frame, 8)
	d, _ := newTestDispatcher(t, func(f *Frame) error {
		replies <- f
		return nil
	})

	data := []byte("0123456789")
	if err := d.Handle(&Frame{Type: TypeAnnounce, FileID: 1, Size: int64(len(data))}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if f := nextReply(t, replies); f.Type != TypeAck || f.FileID != 1 || f.Size != 10 {
		t.Fatalf("expected ack, got %+v", f)
	}

	compressed, err := Compress(data[:6])
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := d.Handle(&Frame{Type: TypeChunk, FileID: 1, Offset: 0, Data: compressed, Codec: CodecZstd}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := d.Handle(&Frame{Type: TypeChunk, FileID: 1, Offset: 4, Data: data[4:]}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if f := nextReply(t, replies); f.Type != TypeComplete || f.FileID != 1 || f.Size != 10 {
		t.Fatalf("expected complete, got %+v", f)
	}
}

func TestDispatcherRejectsAndIgnores(t *testing.T) {
	replies := make(chan *Frame, 8)
	d, c := newTestDispatcher(t, func(f *Frame) error {
		replies <- f
		return nil
	})

	if err := c.Begin(2, 4); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Handle(&Frame{Type: TypeAnnounce, FileID: 2, Size: 4}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if f := nextReply(t, replies); f.Type != TypeError || f.FileID != 2 || f.Message == "" {
		t.Fatalf("expected error frame, got %+v", f)
	}

	if err := d.Handle(&Frame{Type: TypeChunk, FileID: 2, Data: []byte("x"), Codec: "lz4"}); err != nil {
		t.Fatalf("bad codec should be dropped, got %v", err)
	}
	if err := d.Handle(&Frame{Type: TypeAck, FileID: 2}); err != nil {
		t.Fatalf("unexpected type should be ignored, got %v", err)
	}
	select {
	case f := <-replies:
		t.Fatalf("unexpected reply %+v", f)
	default:
	}
	if p, err := c.Progress(2); err != nil || p.Received != 0 {
		t.Fatalf("bad codec chunk was delivered: %+v %v", p, err)
	}
}

func TestDispatcherReplyFailure(t *testing.T) {
	errClosed := errors.New("peer gone")
	d, c := newTestDispatcher(t, func(*Frame) error { return errClosed })

	if err := d.Handle(&Frame{Type: TypeAnnounce, FileID: 3, Size: 8}); !errors.Is(err, errClosed) {
		t.Fatalf("expected reply error, got %v", err)
	}
	if _, err := c.Await(3); err != nil {
		t.Fatalf("file should stay registered: %v", err)
	}
}

func TestDispatcherCloseAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ctx, collector.New(), func(*Frame) error { return nil }, discardLogger)
	if err := d.Handle(&Frame{Type: TypeAnnounce, FileID: 4, Size: 100}); err != nil {
		t.Fatalf("announce: %v", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an incomplete file after cancel")
	}
}

// Package termio serializes user-facing output through background writers,
// so slow terminals never stall the ingest path.
package termio

import (
	"io"
	"os"
	"sync"
)

// Writer queues writes to an underlying writer from a single goroutine.
type Writer struct {
	w       io.Writer
	ch      chan []byte
	pending sync.WaitGroup
}

// NewWriter starts a Writer for w.
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{
		w:  w,
		ch: make(chan []byte, 1024),
	}
	go func() {
		for buf := range tw.ch {
			_, _ = tw.w.Write(buf)
			tw.pending.Done()
		}
	}()
	return tw
}

// Write copies p and queues it. It never returns an error.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

// Flush blocks until every queued write has reached the underlying writer.
func (w *Writer) Flush() {
	w.pending.Wait()
}

var (
	once   sync.Once
	stdout *Writer
	stderr *Writer
)

func initStd() {
	once.Do(func() {
		stdout = NewWriter(os.Stdout)
		stderr = NewWriter(os.Stderr)
	})
}

// Stdout returns the shared stdout writer.
func Stdout() *Writer {
	initStd()
	return stdout
}

// Stderr returns the shared stderr writer.
func Stderr() *Writer {
	initStd()
	return stderr
}

// Flush drains stdout and stderr. Call it before exiting.
func Flush() {
	initStd()
	stdout.Flush()
	stderr.Flush()
}

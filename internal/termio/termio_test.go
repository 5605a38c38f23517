package termio

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriterPreservesOrder(t *testing.T) {
	var out lockedBuffer
	w := NewWriter(&out)

	var want bytes.Buffer
	for i := range 2000 {
		fmt.Fprintf(w, "line %d\n", i)
		fmt.Fprintf(&want, "line %d\n", i)
	}
	w.Flush()

	if out.String() != want.String() {
		t.Fatal("output reordered or truncated")
	}
}

func TestWriterCopiesInput(t *testing.T) {
	var out lockedBuffer
	w := NewWriter(&out)

	p := []byte("abc")
	w.Write(p)
	p[0] = 'X'
	w.Flush()

	if out.String() != "abc" {
		t.Fatalf("expected %q, got %q", "abc", out.String())
	}
	if n, err := w.Write(nil); n != 0 || err != nil {
		t.Fatalf("empty write: n=%d err=%v", n, err)
	}
}

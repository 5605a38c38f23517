package collector

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

type chunk struct {
	off  int64
	data []byte
}

func waitResult(t *testing.T, h *Handle) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return data
}

func deliverConcurrently(c *Collector, id FileID, chunks []chunk, workers int) {
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(chunks); i += workers {
				c.Deliver(id, chunks[i].off, chunks[i].data)
			}
		}(w)
	}
	wg.Wait()
}

func TestAssembleFromOverlappingChunks(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		c := New()
		if err := c.Begin(1, 10); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		h, err := c.Await(1)
		if err != nil {
			t.Fatalf("Await: %v", err)
		}

		chunks := []chunk{{0, []byte("Hello")}, {2, []byte("lloWorld")}}
		if reversed {
			chunks[0], chunks[1] = chunks[1], chunks[0]
		}
		for _, ch := range chunks {
			c.Deliver(1, ch.off, ch.data)
		}

		if got := string(waitResult(t, h)); got != "HelloWorld" {
			t.Fatalf("reversed=%v: got %q, want HelloWorld", reversed, got)
		}
	}
}

func TestAlphabetShuffledAcrossCallers(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	c := New()
	if err := c.Begin(2, int64(len(alphabet))); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h, err := c.Await(2)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	spans := [][2]int{
		{0, 2}, {2, 4}, {3, 6}, {6, 8}, {8, 10}, {9, 12}, {12, 14}, {14, 16},
		{15, 18}, {18, 20}, {20, 21}, {21, 23}, {22, 24}, {24, 25}, {25, 26}, {0, 5},
	}
	chunks := make([]chunk, 0, len(spans))
	for _, s := range spans {
		chunks = append(chunks, chunk{int64(s[0]), []byte(alphabet[s[0]:s[1]])})
	}
	rng := rand.New(rand.NewPCG(26, 4))
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	deliverConcurrently(c, 2, chunks, 4)

	if got := string(waitResult(t, h)); got != alphabet {
		t.Fatalf("got %q, want %q", got, alphabet)
	}
}

func TestMultipleFilesInParallel(t *testing.T) {
	c := New()
	data1 := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	data2 := []byte("0123456789")
	if err := c.Begin(100, int64(len(data1))); err != nil {
		t.Fatalf("Begin 100: %v", err)
	}
	if err := c.Begin(200, int64(len(data2))); err != nil {
		t.Fatalf("Begin 200: %v", err)
	}
	h1, _ := c.Await(100)
	h2, _ := c.Await(200)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Deliver(100, 10, data1[10:])
		c.Deliver(100, 0, data1[:10])
	}()
	go func() {
		defer wg.Done()
		c.Deliver(200, 0, data2[:5])
		c.Deliver(200, 5, data2[5:])
	}()
	wg.Wait()

	if got := waitResult(t, h1); !bytes.Equal(got, data1) {
		t.Fatalf("file 100 mismatch: got %q", got)
	}
	if got := waitResult(t, h2); !bytes.Equal(got, data2) {
		t.Fatalf("file 200 mismatch: got %q", got)
	}
}

func TestManyOverlappingChunksConcurrently(t *testing.T) {
	const size = 1000
	original := make([]byte, size)
	for i := range original {
		original[i] = byte(i % 256)
	}

	for trial := 0; trial < 20; trial++ {
		c := New()
		if err := c.Begin(999, size); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		h, _ := c.Await(999)

		var chunks []chunk
		for pos := 0; pos < size; pos += 100 {
			end := min(pos+100, size)
			chunks = append(chunks, chunk{int64(pos), original[pos:end]})
		}
		for pos := 0; pos < size; pos += 200 {
			end := min(pos+150, size)
			chunks = append(chunks, chunk{int64(pos), original[pos:end]})
		}
		rng := rand.New(rand.NewPCG(uint64(trial), 99))
		rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

		deliverConcurrently(c, 999, chunks, 4)

		if got := waitResult(t, h); !bytes.Equal(got, original) {
			t.Fatalf("trial %d: result mismatch (len %d)", trial, len(got))
		}
	}
}

func TestDuplicateDeliveriesAreIdempotent(t *testing.T) {
	c := New()
	data := []byte("duplicate-safe payload")
	if err := c.Begin(3, int64(len(data))); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h, _ := c.Await(3)

	var chunks []chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, chunk{0, data[:10]})
		chunks = append(chunks, chunk{5, data[5:15]})
	}
	deliverConcurrently(c, 3, chunks, 4)
	if _, done := h.Result(); done {
		t.Fatalf("file completed before the tail was delivered")
	}

	for i := 0; i < 8; i++ {
		chunks = append(chunks, chunk{15, data[15:]})
	}
	deliverConcurrently(c, 3, chunks, 4)

	if got := waitResult(t, h); !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestDeliverClampsToFileSize(t *testing.T) {
	c := New()
	if err := c.Begin(4, 6); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h, _ := c.Await(4)

	c.Deliver(4, 6, []byte("past the end"))
	c.Deliver(4, 100, []byte("far past"))
	c.Deliver(4, -1, []byte("negative"))
	c.Deliver(4, 0, nil)
	if p, err := c.Progress(4); err != nil || p.Received != 0 {
		t.Fatalf("expected nothing received, got %+v err=%v", p, err)
	}

	c.Deliver(4, 3, []byte("defghijk"))
	p, err := c.Progress(4)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Received != 3 {
		t.Fatalf("expected truncated chunk of 3 bytes, got %d", p.Received)
	}

	c.Deliver(4, 0, []byte("abc"))
	got := waitResult(t, h)
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want abcdef", got)
	}
	if len(got) != 6 {
		t.Fatalf("result longer than file: %d", len(got))
	}
}

func TestSingleCompletionUnderRace(t *testing.T) {
	data := []byte("0123456789abcdef")
	for trial := 0; trial < 50; trial++ {
		c := New()
		if err := c.Begin(5, int64(len(data))); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		h, _ := c.Await(5)
		c.Deliver(5, 0, data[:4])
		c.Deliver(5, 8, data[8:])

		// Every goroutine fills the last gap at once; a second completion would
		// close the handle twice and panic.
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c.Deliver(5, 4, data[4:8])
			}()
		}
		close(start)
		wg.Wait()

		if got := waitResult(t, h); !bytes.Equal(got, data) {
			t.Fatalf("trial %d: got %q", trial, got)
		}
		if pending := c.Pending(); len(pending) != 0 {
			t.Fatalf("trial %d: expected empty registry, got %+v", trial, pending)
		}
	}
}

func TestUnknownFile(t *testing.T) {
	c := New()
	if _, err := c.Await(42); !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("expected ErrUnknownFile, got %v", err)
	}
	c.Deliver(42, 0, []byte("dropped"))
	if _, err := c.Progress(42); !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("expected ErrUnknownFile from Progress, got %v", err)
	}
	if len(c.Pending()) != 0 {
		t.Fatalf("Deliver to unknown id must not register it")
	}
}

func TestBeginLifecycle(t *testing.T) {
	c := New()
	if err := c.Begin(7, 3); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.Begin(7, 3); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if err := c.Begin(8, 0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for zero size, got %v", err)
	}
	if err := c.Begin(8, -5); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for negative size, got %v", err)
	}

	h, _ := c.Await(7)
	c.Deliver(7, 0, []byte("xyz"))
	waitResult(t, h)

	if _, err := c.Await(7); !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("completed file must not be replayed, got %v", err)
	}
	if err := c.Begin(7, 2); err != nil {
		t.Fatalf("id should be reusable after completion: %v", err)
	}
}

func TestConcurrentBeginSameID(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Begin(9, 10)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyInProgress) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful Begin, got %d", succeeded)
	}
}

func TestWakeAndReenterDoesNotDeadlock(t *testing.T) {
	c := New()
	if err := c.Begin(42, 10); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		h, err := c.Await(42)
		if err != nil {
			done <- err
			return
		}
		if _, err := h.Wait(context.Background()); err != nil {
			done <- err
			return
		}
		// Re-enter immediately: the producer that woke us may still be running.
		if _, err := c.Await(42); !errors.Is(err, ErrUnknownFile) {
			done <- errors.New("expected ErrUnknownFile after completion")
			return
		}
		c.Deliver(42, 0, []byte("late"))
		if _, err := c.Progress(42); !errors.Is(err, ErrUnknownFile) {
			done <- errors.New("late delivery resurrected the file")
			return
		}
		done <- c.Begin(42, 1)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Deliver(42, 0, bytes.Repeat([]byte{0xFF}, 10))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consumer: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer deadlocked after wake-up")
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	c := New()
	if err := c.Begin(11, 4); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h, _ := c.Await(11)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// A timed-out waiter leaves the reconstruction intact.
	c.Deliver(11, 0, []byte("done"))
	if got := string(waitResult(t, h)); got != "done" {
		t.Fatalf("got %q", got)
	}
}

func TestAwaitReturnsSharedHandle(t *testing.T) {
	c := New()
	if err := c.Begin(12, 2); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h1, _ := c.Await(12)
	h2, _ := c.Await(12)
	if h1 != h2 {
		t.Fatalf("expected the same handle for repeated Await")
	}
	if h1.ID() != 12 {
		t.Fatalf("handle id mismatch: %d", h1.ID())
	}
	if _, ok := h1.Result(); ok {
		t.Fatalf("result available before completion")
	}

	c.Deliver(12, 0, []byte("ok"))
	select {
	case <-h2.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not released")
	}
	if data, ok := h1.Result(); !ok || string(data) != "ok" {
		t.Fatalf("Result mismatch: %q ok=%v", data, ok)
	}
}

func TestPendingReportsProgress(t *testing.T) {
	c := New()
	_ = c.Begin(20, 100)
	_ = c.Begin(10, 50)
	c.Deliver(20, 0, make([]byte, 25))
	c.Deliver(20, 50, make([]byte, 25))
	c.Deliver(10, 0, make([]byte, 10))

	pending := c.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending files, got %d", len(pending))
	}
	if pending[0].ID != 10 || pending[1].ID != 20 {
		t.Fatalf("pending not ordered by id: %+v", pending)
	}
	if pending[1].Received != 50 || pending[1].Segments != 2 {
		t.Fatalf("unexpected progress for 20: %+v", pending[1])
	}
	if pct := pending[1].Percent(); pct != 50 {
		t.Fatalf("expected 50%%, got %.1f", pct)
	}
}

// Package collector reassembles files from out-of-order, possibly overlapping
// byte-range chunks delivered concurrently, and hands each completed file to
// whoever is waiting on it.
//
// Locking is two-tier: the registry lock guards only the id -> reconstruction
// map, and each reconstruction has its own lock for merging. The registry lock
// is never held while a file lock is taken for merging, a file lock is never
// held while taking the registry lock, and waiters are woken only after both
// are released.
package collector

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FileID identifies a file being reassembled.
type FileID uint32

// Progress is a point-in-time view of one in-flight file.
type Progress struct {
	ID       FileID `json:"id"`
	Size     int64  `json:"size"`
	Received int64  `json:"received"`
	Segments int    `json:"segments"`
}

// Percent returns the share of the file received so far.
func (p Progress) Percent() float64 {
	if p.Size <= 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Size) * 100
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Collector is the registry of files currently being reassembled.
type Collector struct {
	mu     sync.Mutex
	files  map[FileID]*reconstruction
	logger *slog.Logger
}

type reconstruction struct {
	mu        sync.Mutex
	size      int64
	segs      segmentSet
	done      bool
	handle    *Handle
	startedAt time.Time
}

// New returns an empty Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		files:  make(map[FileID]*reconstruction),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin registers a file of the given size. It fails with ErrAlreadyInProgress
// if id is still being assembled.
func (c *Collector) Begin(id FileID, size int64) error {
	if size <= 0 {
		return fmt.Errorf("begin file %d (size %d): %w", id, size, ErrInvalidSize)
	}
	r := &reconstruction{
		size:      size,
		handle:    newHandle(id),
		startedAt: time.Now(),
	}

	c.mu.Lock()
	if _, exists := c.files[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("begin file %d: %w", id, ErrAlreadyInProgress)
	}
	c.files[id] = r
	c.mu.Unlock()

	c.logger.Debug("file begun", "file_id", id, "size", size)
	return nil
}

// Deliver merges the chunk p at offset into file id.
//
// Chunks for unknown or already completed files, chunks starting at or past
// the end of the file, and empty chunks are dropped silently. Bytes past the
// end of the file are truncated. Deliver never blocks and never retains p.
func (c *Collector) Deliver(id FileID, offset int64, p []byte) {
	r := c.lookup(id)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.done || offset < 0 || offset >= r.size {
		r.mu.Unlock()
		return
	}
	if remaining := r.size - offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if len(p) == 0 {
		r.mu.Unlock()
		return
	}

	r.segs.insert(offset, p)
	if !r.segs.covers(r.size) {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.handle.data = r.segs.take()
	r.mu.Unlock()

	c.mu.Lock()
	if c.files[id] == r {
		delete(c.files, id)
	}
	c.mu.Unlock()

	// Waiters may immediately call back into the collector.
	r.handle.release()

	c.logger.Debug("file complete", "file_id", id, "size", r.size, "elapsed", time.Since(r.startedAt))
}

// Await returns the handle that resolves once file id is complete.
// It fails with ErrUnknownFile if id was never begun or has already been
// completed; completed files are not retained.
func (c *Collector) Await(id FileID) (*Handle, error) {
	r := c.lookup(id)
	if r == nil {
		return nil, fmt.Errorf("await file %d: %w", id, ErrUnknownFile)
	}
	return r.handle, nil
}

// Progress reports how much of file id has been received.
func (c *Collector) Progress(id FileID) (Progress, error) {
	r := c.lookup(id)
	if r == nil {
		return Progress{}, fmt.Errorf("progress of file %d: %w", id, ErrUnknownFile)
	}
	return r.progress(id), nil
}

// Pending lists every file still being assembled, ordered by id.
func (c *Collector) Pending() []Progress {
	c.mu.Lock()
	ids := make([]FileID, 0, len(c.files))
	refs := make([]*reconstruction, 0, len(c.files))
	for id, r := range c.files {
		ids = append(ids, id)
		refs = append(refs, r)
	}
	c.mu.Unlock()

	out := make([]Progress, 0, len(refs))
	for i, r := range refs {
		out = append(out, r.progress(ids[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Collector) lookup(id FileID) *reconstruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[id]
}

func (r *reconstruction) progress(id FileID) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Progress{ID: id, Size: r.size, Received: r.segs.received(), Segments: r.segs.len()}
	if r.done {
		p.Received = r.size
		p.Segments = 1
	}
	return p
}

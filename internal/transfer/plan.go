package transfer

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize bounds a single chunk so its frame stays under MaxFrameSize.
	MaxChunkSize = 8 * 1024 * 1024
)

// Span is a byte range [Offset, Offset+Length) of the file.
type Span struct {
	Offset int64
	Length int
}

// End returns the first offset past the span.
func (s Span) End() int64 {
	return s.Offset + int64(s.Length)
}

// PlanOptions shapes the order and overlap of chunks sent for one file.
type PlanOptions struct {
	ChunkSize  int    // Bytes per chunk before overlap
	Overlap    int    // Bytes each chunk extends into its successor
	Duplicates int    // Extra random re-sends
	Seed       uint64 // Shuffle seed (0: time based)
}

// NormalizePlan applies defaults and clamps plan options.
func NormalizePlan(o PlanOptions) PlanOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.Overlap < 0 {
		out.Overlap = 0
	}
	if out.Overlap > out.ChunkSize {
		out.Overlap = out.ChunkSize
	}
	if out.ChunkSize+out.Overlap > MaxChunkSize {
		out.Overlap = MaxChunkSize - out.ChunkSize
	}
	if out.Duplicates < 0 {
		out.Duplicates = 0
	}
	return out
}

// Plan splits [0, size) into shuffled spans. Every byte is covered at least
// once; overlapping and duplicated spans are deliberate.
func Plan(size int64, o PlanOptions) []Span {
	if size <= 0 {
		return nil
	}
	o = NormalizePlan(o)

	n := int((size + int64(o.ChunkSize) - 1) / int64(o.ChunkSize))
	spans := make([]Span, 0, n+o.Duplicates)
	for i := 0; i < n; i++ {
		off := int64(i) * int64(o.ChunkSize)
		end := min(off+int64(o.ChunkSize+o.Overlap), size)
		spans = append(spans, Span{Offset: off, Length: int(end - off)})
	}

	seed := o.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	for i := 0; i < o.Duplicates; i++ {
		spans = append(spans, spans[rng.IntN(n)])
	}
	rng.Shuffle(len(spans), func(i, j int) {
		spans[i], spans[j] = spans[j], spans[i]
	})
	return spans
}

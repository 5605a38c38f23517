package transfer

import (
	"slices"
	"testing"
)

func TestNormalizePlan(t *testing.T) {
	tests := []struct {
		name string
		in   PlanOptions
		want PlanOptions
	}{
		{"defaults", PlanOptions{}, PlanOptions{ChunkSize: DefaultChunkSize}},
		{"negative", PlanOptions{ChunkSize: -1, Overlap: -5, Duplicates: -2}, PlanOptions{ChunkSize: DefaultChunkSize}},
		{"overlap capped at chunk", PlanOptions{ChunkSize: 10, Overlap: 50}, PlanOptions{ChunkSize: 10, Overlap: 10}},
		{"chunk capped", PlanOptions{ChunkSize: MaxChunkSize * 2, Overlap: 4}, PlanOptions{ChunkSize: MaxChunkSize}},
		{"kept", PlanOptions{ChunkSize: 100, Overlap: 3, Duplicates: 4, Seed: 9}, PlanOptions{ChunkSize: 100, Overlap: 3, Duplicates: 4, Seed: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePlan(tt.in); got != tt.want {
				t.Fatalf("NormalizePlan(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlanCoversFile(t *testing.T) {
	const size = 1000
	spans := Plan(size, PlanOptions{ChunkSize: 64, Overlap: 8, Duplicates: 5, Seed: 42})

	if len(spans) != 16+5 {
		t.Fatalf("expected 21 spans, got %d", len(spans))
	}
	covered := make([]bool, size)
	for _, sp := range spans {
		if sp.Offset < 0 || sp.End() > size || sp.Length <= 0 {
			t.Fatalf("span out of range: %+v", sp)
		}
		if sp.Length > 64+8 {
			t.Fatalf("span longer than chunk+overlap: %+v", sp)
		}
		for i := sp.Offset; i < sp.End(); i++ {
			covered[i] = true
		}
	}
	if i := slices.Index(covered, false); i >= 0 {
		t.Fatalf("byte %d not covered", i)
	}
}

func TestPlanSeedIsDeterministic(t *testing.T) {
	a := Plan(4096, PlanOptions{ChunkSize: 100, Seed: 7})
	b := Plan(4096, PlanOptions{ChunkSize: 100, Seed: 7})
	if !slices.Equal(a, b) {
		t.Fatal("same seed produced different plans")
	}

	sorted := slices.Clone(a)
	slices.SortFunc(sorted, func(x, y Span) int { return int(x.Offset - y.Offset) })
	if slices.Equal(a, sorted) {
		t.Fatal("plan was not shuffled")
	}
}

func TestPlanEmpty(t *testing.T) {
	if spans := Plan(0, PlanOptions{}); spans != nil {
		t.Fatalf("expected no spans for empty file, got %v", spans)
	}
}

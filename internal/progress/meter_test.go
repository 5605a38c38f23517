package progress

import (
	"sync"
	"testing"
	"time"
)

func TestMeterRate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.AddTotal(2000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	stats := m.Snapshot()
	if stats.BytesDone != 1000 || stats.Total != 2000 {
		t.Fatalf("expected 1000/2000 bytes, got %d/%d", stats.BytesDone, stats.Total)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", stats.RateBps)
	}
	if stats.Elapsed != time.Second || stats.AvgBps != 1000 {
		t.Fatalf("expected avg 1000 B/s over 1s, got %.2f over %s", stats.AvgBps, stats.Elapsed)
	}
}

func TestMeterEWMASmoothingAndPeak(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Add(3000)

	stats := m.Snapshot()
	if stats.RateBps < 1300 || stats.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", stats.RateBps)
	}
	if stats.PeakBps != 3000 {
		t.Fatalf("expected peak 3000 B/s, got %.2f", stats.PeakBps)
	}
}

func TestMeterNoRate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Add(0)
	m.AddTotal(-5)

	stats := m.Snapshot()
	if stats.RateBps != 0 || stats.AvgBps != 0 || stats.Total != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}

func TestMeterConcurrentAdd(t *testing.T) {
	m := NewMeter()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				m.Add(10)
			}
		}()
	}
	wg.Wait()
	if got := m.Snapshot().BytesDone; got != 80_000 {
		t.Fatalf("expected 80000 bytes, got %d", got)
	}
}

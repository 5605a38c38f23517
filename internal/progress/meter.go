package progress

import (
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of ingest progress.
type Stats struct {
	BytesDone int64   // payload bytes accepted, duplicates included
	Total     int64   // sum of announced file sizes
	RateBps   float64 // EWMA rate
	PeakBps   float64
	AvgBps    float64
	Elapsed   time.Duration
	StartedAt time.Time
}

// Meter tracks byte progress and computes a smoothed rate.
// It is safe for concurrent use.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	peakBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{alpha: 0.2, now: now}
	m.Start()
	return m
}

// Start resets the meter.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
	m.peakBps = 0
}

// Add increments the completed byte count.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		if inst > m.peakBps {
			m.peakBps = inst
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// AddTotal increments the total byte count without affecting rate.
func (m *Meter) AddTotal(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += n
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		PeakBps:   m.peakBps,
		StartedAt: m.startedAt,
		Elapsed:   m.now().Sub(m.startedAt),
	}
	if stats.Elapsed > 0 {
		stats.AvgBps = float64(m.done) / stats.Elapsed.Seconds()
	}
	return stats
}

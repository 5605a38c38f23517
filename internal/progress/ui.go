package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sheerbytes/reassembly/internal/collector"
)

// View is what the progress renderers draw on each refresh.
type View struct {
	Stats     Stats
	Files     []collector.Progress // in flight, sorted by ID
	Completed int64
	Stored    int64
	Failed    int64 // store or notify failures
	Listening []string
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderLines writes a one-line summary to w every interval until ctx is
// done or the returned stop function is called. Used when w is not a terminal.
func RenderLines(ctx context.Context, w io.Writer, view func() View, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintln(w, summaryLine(view()))
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		fmt.Fprintln(w, summaryLine(view()))
	}
}

func summaryLine(v View) string {
	return fmt.Sprintf("in_flight=%d completed=%d stored=%d failed=%d recv=%s rate=%s peak=%s elapsed=%s",
		len(v.Files),
		v.Completed,
		v.Stored,
		v.Failed,
		formatBytes(v.Stats.BytesDone),
		formatRate(v.Stats.RateBps),
		formatRate(v.Stats.PeakBps),
		formatElapsed(v.Stats.Elapsed),
	)
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	case n <= 0:
		return "0 B"
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "00:00:00"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

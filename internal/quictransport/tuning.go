package quictransport

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	defaultInitialConnWindow = 2 * 1024 * 1024
	minConnWindow            = 1 * 1024 * 1024
	maxConnWindow            = 1024 * 1024 * 1024
	minStreamWindow          = 1 * 1024 * 1024
	maxStreamWindow          = 256 * 1024 * 1024
	minMaxStreams            = 1
	maxMaxStreams            = 2048
)

// Tuning status values.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)

// Tuning sizes the listener's socket buffers and flow-control windows.
// Out-of-range values are clamped.
type Tuning struct {
	UDPBuffer    int // SO_RCVBUF and SO_SNDBUF request
	ConnWindow   int
	StreamWindow int
	MaxStreams   int // concurrent incoming streams per connection
}

// DefaultTuning returns the tuning used by ListenAddr.
func DefaultTuning() Tuning {
	return Tuning{
		UDPBuffer:    8 * 1024 * 1024,
		ConnWindow:   64 * 1024 * 1024,
		StreamWindow: 16 * 1024 * 1024,
		MaxStreams:   256,
	}
}

// UDPTuneResult reports what the kernel accepted.
type UDPTuneResult struct {
	Requested int
	Status    string
	Err       string
}

// applyUDPBuffers asks for larger socket buffers. Failure is not fatal;
// the kernel may cap or refuse the request.
func applyUDPBuffers(conn *net.UDPConn, n int) UDPTuneResult {
	req := clamp(n, minUDPBuffer, maxUDPBuffer)
	result := UDPTuneResult{Requested: req, Status: StatusOK}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(req); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(req); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

// buildQUICConfig copies base and applies the clamped windows of t.
func buildQUICConfig(base *quic.Config, t Tuning) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clamp(t.ConnWindow, minConnWindow, maxConnWindow)
	stream := clamp(t.StreamWindow, minStreamWindow, maxStreamWindow)
	cfg.InitialConnectionReceiveWindow = uint64(min(defaultInitialConnWindow, conn))
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(clamp(t.MaxStreams, minMaxStreams, maxMaxStreams))
	return cfg
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

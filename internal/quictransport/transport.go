package quictransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/reassembly/internal/transfer"
)

var (
	_ transfer.Transport = (*Transport)(nil)
	_ transfer.Conn      = (*Conn)(nil)
	_ transfer.Stream    = (*Stream)(nil)
)

// Transport is a transfer.Transport backed by QUIC. A listening transport
// accepts sender connections; a dialing transport connects to receivers.
type Transport struct {
	mu       sync.Mutex
	listener *quic.Listener // nil for dialers
	udpConn  *net.UDPConn
	logger   *slog.Logger
	closed   bool
}

// ListenAddr starts a QUIC listener on addr with DefaultTuning.
func ListenAddr(addr string, logger *slog.Logger) (*Transport, error) {
	return Listen(addr, logger, DefaultTuning())
}

// Listen binds a UDP socket on addr, sizes its buffers and flow-control
// windows from tuning and starts a QUIC listener on it.
func Listen(addr string, logger *slog.Logger, tuning Tuning) (*Transport, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("udp listen %s: %w", addr, err)
	}
	tune := applyUDPBuffers(udpConn, tuning.UDPBuffer)
	if tune.Status != StatusOK {
		logger.Warn("UDP buffer tuning incomplete", "requested", tune.Requested, "status", tune.Status, "error", tune.Err)
	}

	listener, err := quic.Listen(udpConn, tlsConfig, buildQUICConfig(DefaultServerQUICConfig(), tuning))
	if err != nil {
		udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}

	logger.Info("QUIC listener created", "local_addr", listener.Addr(), "udp_buffer", tune.Requested)
	return &Transport{listener: listener, udpConn: udpConn, logger: logger}, nil
}

// NewDialer returns a Transport that only dials.
func NewDialer(logger *slog.Logger) *Transport {
	return &Transport{logger: logger}
}

// Addr returns the listening address, or nil for dialers.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dial connects to the receiver at addr.
func (t *Transport) Dial(ctx context.Context, addr string) (transfer.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, io.ErrClosedPipe
	}

	t.logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), DefaultClientQUICConfig())
	if err != nil {
		t.logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	t.logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, logger: t.logger}, nil
}

// Accept waits for the next sender connection.
func (t *Transport) Accept(ctx context.Context) (transfer.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	listener := t.listener
	t.mu.Unlock()

	if listener == nil {
		return nil, fmt.Errorf("Accept called on dialing transport")
	}

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}

	t.logger.Info("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, logger: t.logger}, nil
}

// Close stops the listener. Accepted connections are closed by their owners.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			return fmt.Errorf("failed to close QUIC listener: %w", err)
		}
	}
	if t.udpConn != nil {
		_ = t.udpConn.Close()
	}
	return nil
}

// Conn wraps a *quic.Conn.
type Conn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

// OpenStream opens a new bidirectional stream.
func (c *Conn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	c.logger.Debug("QUIC stream opened", "stream_id", stream.StreamID())
	return &Stream{stream: stream}, nil
}

// AcceptStream waits for the peer's next stream.
func (c *Conn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}

	c.logger.Debug("QUIC stream accepted", "stream_id", stream.StreamID())
	return &Stream{stream: stream}, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection and all of its streams.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

// Stream wraps a *quic.Stream.
type Stream struct {
	stream *quic.Stream
	once   sync.Once
	err    error
}

// Read reads data from the stream.
func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes data to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// StreamID returns the QUIC stream ID.
func (s *Stream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Close sends FIN after any buffered data and abandons the read side, so a
// blocked Read returns.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.stream.CancelRead(0)
		if err := s.stream.Close(); err != nil {
			s.err = fmt.Errorf("failed to close QUIC stream: %w", err)
		}
	})
	return s.err
}

package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

// MockTransport is an in-memory transport implementation for testing.
// Two MockTransport instances created by NewMockPair dial each other.
type MockTransport struct {
	mu             sync.Mutex
	name           string
	acceptChan     chan *mockConn
	peerAcceptChan chan *mockConn // Channel to send connections to peer
	connections    map[*mockConn]bool
	done           chan struct{}
	closed         bool
}

// NewMockPair creates a pair of MockTransport instances that can connect to each other.
func NewMockPair() (*MockTransport, *MockTransport) {
	t1Accept := make(chan *mockConn, 8)
	t2Accept := make(chan *mockConn, 8)

	t1 := &MockTransport{
		name:           "mock-1",
		acceptChan:     t1Accept,
		peerAcceptChan: t2Accept,
		connections:    make(map[*mockConn]bool),
		done:           make(chan struct{}),
	}
	t2 := &MockTransport{
		name:           "mock-2",
		acceptChan:     t2Accept,
		peerAcceptChan: t1Accept,
		connections:    make(map[*mockConn]bool),
		done:           make(chan struct{}),
	}
	return t1, t2
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

// mockConn is one end of an in-memory connection.
type mockConn struct {
	mu         sync.Mutex
	transport  *MockTransport
	other      *mockConn
	remote     mockAddr
	streamChan chan *mockStream
	done       chan struct{}
	closed     bool
}

// mockStream is one end of a bidirectional stream backed by two io.Pipes.
type mockStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

var (
	_ Transport = (*MockTransport)(nil)
	_ Conn      = (*mockConn)(nil)
	_ Stream    = (*mockStream)(nil)
)

func newMockConn(t *MockTransport, remote string) *mockConn {
	return &mockConn{
		transport:  t,
		remote:     mockAddr(remote),
		streamChan: make(chan *mockStream, 64),
		done:       make(chan struct{}),
	}
}

// Dial establishes a connection to the peer transport. addr is only reported
// back as the remote address.
func (t *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	localConn := newMockConn(t, addr)
	remoteConn := newMockConn(nil, t.name)
	localConn.other = remoteConn
	remoteConn.other = localConn

	select {
	case t.peerAcceptChan <- remoteConn:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	t.connections[localConn] = true
	t.mu.Unlock()
	return localConn, nil
}

// Accept waits for and accepts an incoming connection.
func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptChan:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			conn.Close()
			return nil, io.ErrClosedPipe
		}
		conn.mu.Lock()
		conn.transport = t
		conn.mu.Unlock()
		t.connections[conn] = true
		return conn, nil
	case <-t.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport and every connection it handed out.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)

	conns := make([]*mockConn, 0, len(t.connections))
	for conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = nil
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// OpenStream opens a new bidirectional stream.
func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	// localStream writes -> remoteStream reads
	localToRemoteReader, localToRemoteWriter := io.Pipe()
	// remoteStream writes -> localStream reads
	remoteToLocalReader, remoteToLocalWriter := io.Pipe()

	localStream := &mockStream{reader: remoteToLocalReader, writer: localToRemoteWriter}
	remoteStream := &mockStream{reader: localToRemoteReader, writer: remoteToLocalWriter}

	select {
	case c.other.streamChan <- remoteStream:
		return localStream, nil
	case <-c.other.done:
	case <-ctx.Done():
	}
	localStream.Close()
	remoteStream.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrClosedPipe
}

// AcceptStream waits for and accepts an incoming stream.
func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case stream := <-c.streamChan:
		return stream, nil
	case <-c.done:
		return nil, io.ErrClosedPipe
	case <-c.other.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr returns the address the connection was dialed with.
func (c *mockConn) RemoteAddr() net.Addr {
	return c.remote
}

// Close closes the connection. Pending AcceptStream calls on both ends return.
func (c *mockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		delete(t.connections, c)
		t.mu.Unlock()
	}
	return nil
}

// Read reads data from the stream.
func (s *mockStream) Read(p []byte) (n int, err error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	return reader.Read(p)
}

// Write writes data to the stream.
func (s *mockStream) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	writer := s.writer
	s.mu.Unlock()
	return writer.Write(p)
}

// Close closes both pipe ends. Pending local reads fail; the peer reads io.EOF.
func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Close()
	return s.writer.Close()
}

package transfer

import (
	"context"
	"io"
	"net"
)

// Transport produces connections between a chunk sender and a receiver.
// Listening transports implement Accept; dialing transports implement Dial.
type Transport interface {
	// Dial connects to the receiver at addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Accept waits for the next incoming sender connection.
	Accept(ctx context.Context) (Conn, error)

	// Close stops the transport. Connections already handed out stay open.
	Close() error
}

// Conn multiplexes independent streams. One stream carries control frames
// for a file; any number of others carry its chunks.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	RemoteAddr() net.Addr
	Close() error
}

// Stream is a bidirectional byte stream. Close ends both directions: pending
// local reads fail, and the peer observes io.EOF after draining what was written.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

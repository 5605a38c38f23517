package wsclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/reassembly/internal/collector"
	"github.com/sheerbytes/reassembly/internal/transfer"
)

// Conn is a websocket connection to a collectd receiver.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan []byte
	done     chan struct{}
	writeMu  sync.Mutex
	writeErr error

	frames   chan transfer.Frame
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	WriteBufferSize:  64 * 1024,
}

// Dial establishes a websocket connection to the receiver.
// wsURL should be the full websocket URL including path, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan []byte, 256), // Buffered channel for sends
		done:     make(chan struct{}),
		frames:   make(chan transfer.Frame, 16),
		readDone: make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// readLoop forwards control frames from the receiver.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			c.readErr = err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		var f transfer.Frame
		if err := transfer.UnmarshalFrame(message, &f); err != nil {
			c.logger.Warn("invalid frame from receiver", "error", err)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// send queues one frame. Writes are serialized by writeLoop.
func (c *Conn) send(ctx context.Context, f *transfer.Frame) error {
	body, err := transfer.MarshalFrame(f)
	if err != nil {
		return err
	}
	select {
	case c.sendChan <- body:
		return nil
	case <-c.done:
		if c.writeErr != nil {
			return fmt.Errorf("connection closed: %w", c.writeErr)
		}
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop handles serialized writes to the websocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for body := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteMessage(websocket.BinaryMessage, body)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("websocket write error", "error", err)
			c.writeErr = err
			return
		}
	}
}

// SendFile announces data as file id, sends every planned chunk over the
// connection, and waits for the receiver to report the file complete.
// Streams in opts is ignored; a websocket is a single ordered channel.
func (c *Conn) SendFile(ctx context.Context, id collector.FileID, data []byte, opts transfer.SendOptions) error {
	size := int64(len(data))
	if err := c.send(ctx, &transfer.Frame{Type: transfer.TypeAnnounce, FileID: uint32(id), Size: size}); err != nil {
		return err
	}
	if err := c.expect(ctx, transfer.TypeAck, id); err != nil {
		return err
	}

	for _, sp := range transfer.Plan(size, opts.PlanOptions) {
		f := transfer.Frame{Type: transfer.TypeChunk, FileID: uint32(id), Offset: sp.Offset, Data: data[sp.Offset:sp.End()]}
		if opts.Compress {
			compressed, err := transfer.Compress(f.Data)
			if err != nil {
				return err
			}
			f.Data, f.Codec = compressed, transfer.CodecZstd
		}
		if err := c.send(ctx, &f); err != nil {
			return err
		}
	}

	return c.expect(ctx, transfer.TypeComplete, id)
}

func (c *Conn) expect(ctx context.Context, want string, id collector.FileID) error {
	for {
		select {
		case f := <-c.frames:
			if f.FileID != uint32(id) {
				continue
			}
			switch f.Type {
			case want:
				return nil
			case transfer.TypeError:
				return fmt.Errorf("file %d: %w: %s", id, transfer.ErrRejected, f.Message)
			}
		case <-c.readDone:
			err := c.readErr
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("waiting for %s of file %d: %w", want, id, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close sends a close message and closes the websocket connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.sendChan)
		<-c.done // Wait for write loop to finish
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}

// Package wsingest accepts chunk uploads over websocket connections. Each
// binary message carries one msgpack frame; announce, ack, chunk, complete and
// error frames mean the same as on QUIC streams.
package wsingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sheerbytes/reassembly/internal/transfer"
)

const (
	defaultIdleTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests and feeds their frames into a transfer.Target.
type Handler struct {
	target      transfer.Target
	logger      *slog.Logger
	idleTimeout time.Duration

	wg sync.WaitGroup
}

// NewHandler returns a websocket ingest handler.
func NewHandler(target transfer.Target, logger *slog.Logger) *Handler {
	return &Handler{
		target:      target,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
	}
}

// Wait blocks until every connection served so far has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	connID := uuid.NewString()
	logger := h.logger.With("conn_id", connID, "remote_addr", r.RemoteAddr)
	logger.Info("websocket sender connected")

	s := &session{
		conn:   conn,
		target: h.target,
		logger: logger,
	}
	s.serve(r.Context(), h.idleTimeout)
	logger.Info("websocket sender disconnected")
}

// session is one upgraded connection.
type session struct {
	conn    *websocket.Conn
	target  transfer.Target
	logger  *slog.Logger
	writeMu sync.Mutex
}

func (s *session) serve(parent context.Context, idleTimeout time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	d := transfer.NewDispatcher(ctx, s.target, s.send, s.logger)
	defer func() {
		cancel()
		s.conn.Close()
		d.Close()
	}()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.conn.SetReadLimit(transfer.MaxPayloadSize)
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.writeMu.Lock()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		s.writeMu.Unlock()
		return err
	})

	var frame transfer.Frame
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		// Only binary messages carry frames
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := transfer.UnmarshalFrame(message, &frame); err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if err := d.Handle(&frame); err != nil {
			return
		}
	}
}

// send writes one frame; gorilla connections allow a single concurrent writer.
func (s *session) send(f *transfer.Frame) error {
	body, err := transfer.MarshalFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		s.logger.Error("websocket write error", "error", err)
		return err
	}
	return nil
}

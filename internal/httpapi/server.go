// Package httpapi exposes the collector over plain HTTP: files are begun with
// POST, chunks arrive as PUT bodies, and GET blocks until a file is complete.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sheerbytes/reassembly/internal/collector"
	"github.com/sheerbytes/reassembly/internal/transfer"
)

// Backend is what the API drives. *collector.Collector satisfies it.
type Backend interface {
	transfer.Target
	Pending() []collector.Progress
}

// Options configures the router.
type Options struct {
	AwaitTimeout time.Duration // Default and maximum wait for GET /files/{id}
	WebSocket    http.Handler  // Mounted at /ws when set
	Logger       *slog.Logger
}

type server struct {
	backend      Backend
	awaitTimeout time.Duration
	logger       *slog.Logger
}

// NewRouter returns the HTTP API handler.
func NewRouter(backend Backend, opts Options) *mux.Router {
	s := &server{
		backend:      backend,
		awaitTimeout: opts.AwaitTimeout,
		logger:       opts.Logger,
	}
	if s.awaitTimeout <= 0 {
		s.awaitTimeout = 60 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/files", s.listFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{id:[0-9]+}", s.beginFile).Methods(http.MethodPost)
	r.HandleFunc("/files/{id:[0-9]+}", s.fetchFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{id:[0-9]+}/chunks", s.putChunk).Methods(http.MethodPut)
	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) listFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Pending())
}

func (s *server) beginFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "size must be an integer")
		return
	}

	switch err := s.backend.Begin(id, size); {
	case err == nil:
		writeJSON(w, http.StatusCreated, collector.Progress{ID: id, Size: size})
	case errors.Is(err, collector.ErrAlreadyInProgress):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, collector.ErrInvalidSize):
		sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("begin failed", "file_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *server) putChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, transfer.MaxChunkSize*2))
	if err != nil {
		sendError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	// Unknown files and out-of-range chunks are dropped without telling the sender.
	s.backend.Deliver(id, offset, body)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fetchFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	timeout := s.awaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			sendError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(d, s.awaitTimeout)
	}

	h, err := s.backend.Await(id)
	if err != nil {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	data, err := h.Wait(ctx)
	if err != nil {
		sendError(w, http.StatusGatewayTimeout, "file not complete: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func fileID(w http.ResponseWriter, r *http.Request) (collector.FileID, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		sendError(w, http.StatusBadRequest, "file id must be a 32-bit unsigned integer")
		return 0, false
	}
	return collector.FileID(v), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

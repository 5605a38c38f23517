package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sheerbytes/reassembly/internal/bufpool"
)

const (
	// Preamble opens every stream.
	Preamble = "SBR1"

	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum msgpack body size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the big-endian length prefix in bytes.
	LengthPrefixSize = 4

	// scratchSize is the initial decompression buffer of a stream.
	scratchSize = 128 * 1024
)

// Frame types.
const (
	TypeAnnounce = "announce"
	TypeAck      = "ack"
	TypeChunk    = "chunk"
	TypeComplete = "complete"
	TypeError    = "error"
)

// CodecZstd marks a chunk whose Data is zstd-compressed.
const CodecZstd = "zstd"

// ErrInvalidPreamble indicates the stream did not start with Preamble.
var ErrInvalidPreamble = errors.New("invalid stream preamble")

// Frame is the unit exchanged between sender and receiver.
type Frame struct {
	Type    string `msgpack:"type"`
	FileID  uint32 `msgpack:"file_id"`
	Size    int64  `msgpack:"size,omitempty"`
	Offset  int64  `msgpack:"offset,omitempty"`
	Data    []byte `msgpack:"data,omitempty"`
	Codec   string `msgpack:"codec,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack or codec decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream can no longer be read after this error.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if err is a fatal *FrameError.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// WritePreamble writes the stream preamble.
func WritePreamble(w io.Writer) error {
	if _, err := io.WriteString(w, Preamble); err != nil {
		return fmt.Errorf("failed to write preamble: %w", err)
	}
	return nil
}

// ReadPreamble consumes and checks the stream preamble.
func ReadPreamble(r io.Reader) error {
	var buf [len(Preamble)]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("failed to read preamble: %w", err)
	}
	if string(buf[:]) != Preamble {
		return ErrInvalidPreamble
	}
	return nil
}

// MarshalFrame encodes f as a bare msgpack body.
func MarshalFrame(f *Frame) ([]byte, error) {
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	if len(b) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(b), MaxPayloadSize),
		}
	}
	return b, nil
}

// UnmarshalFrame decodes a msgpack body into f, reusing f.Data's capacity.
func UnmarshalFrame(payload []byte, f *Frame) error {
	*f = Frame{Data: f.Data[:0]}
	if err := msgpack.Unmarshal(payload, f); err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame",
			Err:  err,
		}
	}
	return nil
}

// FrameWriter writes length-prefixed frames. It is safe for concurrent use.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewFrameWriter returns a FrameWriter on w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes f with a single Write call.
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	body, err := MarshalFrame(f)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.buf = binary.BigEndian.AppendUint32(fw.buf[:0], uint32(len(body)))
	fw.buf = append(fw.buf, body...)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

// frameBufs pools frame bodies and decompression scratch.
var frameBufs = bufpool.New(scratchSize, 1024*1024, MaxPayloadSize)

// FrameReader reads length-prefixed frames from a stream. Each frame returned
// by ReadFrame is only valid until the next call; Release returns the
// reader's scratch buffers to the pool.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	frame Frame
}

// NewFrameReader returns a FrameReader on r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next frame.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
//   - *FrameError with Kind=FrameErrorDecode: malformed body (stream still usable)
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	if cap(fr.buf) < int(payloadSize) {
		frameBufs.Put(fr.buf)
		fr.buf = frameBufs.Get(int(payloadSize))
	}
	payload := fr.buf[:payloadSize]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	if err := UnmarshalFrame(payload, &fr.frame); err != nil {
		return nil, err
	}
	return &fr.frame, nil
}

// Release returns pooled buffers. The reader must not be used afterwards.
func (fr *FrameReader) Release() {
	frameBufs.Put(fr.buf)
	fr.buf = nil
	fr.frame = Frame{}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress returns p zstd-compressed.
func Compress(p []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(p, make([]byte, 0, len(p)/2)), nil
}

// ChunkPayload returns the raw bytes carried by a chunk frame, decompressing
// into scratch when the frame is compressed.
func ChunkPayload(f *Frame, scratch []byte) ([]byte, error) {
	switch f.Codec {
	case "":
		return f.Data, nil
	case CodecZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(f.Data, scratch[:0])
		if err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decompress chunk", Err: err}
		}
		return out, nil
	default:
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("unknown codec %q", f.Codec)}
	}
}

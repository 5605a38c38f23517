// Package sink persists reassembled files to a gocloud blob bucket
// (file://, mem://, s3://, gs://).
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Sink writes completed files under a key prefix.
type Sink struct {
	bucket *blob.Bucket
	prefix string
}

// Open opens the bucket at url. A non-empty prefix is normalized to end in "/".
func Open(ctx context.Context, url, prefix string) (*Sink, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Sink{bucket: bkt, prefix: prefix}, nil
}

// Key returns the object key used for id.
func (s *Sink) Key(id uint32) string {
	return fmt.Sprintf("%s%010d.bin", s.prefix, id)
}

// Store writes data as one object and returns its key. An existing object
// with the same key is overwritten.
func (s *Sink) Store(ctx context.Context, id uint32, data []byte) (string, error) {
	key := s.Key(id)
	if err := s.write(ctx, key, id, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return key, nil
}

// write copies r into key. On a failed copy the writer context is cancelled
// before Close, which aborts the upload instead of committing a partial object.
func (s *Sink) write(ctx context.Context, key string, id uint32, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"file-id": fmt.Sprint(id)},
	})
	if err != nil {
		return fmt.Errorf("create writer %s: %w", key, err)
	}
	if _, err := w.ReadFrom(r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying bucket.
func (s *Sink) Close() error {
	return s.bucket.Close()
}

// Package clienthttp sends files to a collectd receiver through its HTTP API.
package clienthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/greyh4t/hackpool"

	"github.com/sheerbytes/reassembly/internal/collector"
	"github.com/sheerbytes/reassembly/internal/transfer"
)

// ErrNotFound is returned by FetchFile for ids the receiver does not know.
var ErrNotFound = errors.New("file not found")

// ErrNotReady is returned by FetchFile when the receiver's wait deadline passed.
var ErrNotReady = errors.New("file not complete")

// Client talks to one receiver.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for serverURL. A missing scheme defaults to http.
func New(serverURL string) *Client {
	if !strings.HasPrefix(serverURL, "http") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// BeginFile calls POST /files/{id}. A conflict or invalid size is reported as transfer.ErrRejected.
func (c *Client) BeginFile(ctx context.Context, id collector.FileID, size int64) error {
	url := fmt.Sprintf("%s/files/%d?size=%d", c.baseURL, id, size)
	resp, body, err := c.do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("file %d: %w: %s", id, transfer.ErrRejected, errorMessage(body))
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
}

// PutChunk calls PUT /files/{id}/chunks.
func (c *Client) PutChunk(ctx context.Context, id collector.FileID, offset int64, data []byte) error {
	url := fmt.Sprintf("%s/files/%d/chunks?offset=%d", c.baseURL, id, offset)
	resp, body, err := c.do(ctx, http.MethodPut, url, data)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FetchFile calls GET /files/{id}, which blocks on the receiver until the file
// is complete or timeout passes.
func (c *Client) FetchFile(ctx context.Context, id collector.FileID, timeout time.Duration) ([]byte, error) {
	url := fmt.Sprintf("%s/files/%d", c.baseURL, id)
	if timeout > 0 {
		url += "?timeout=" + timeout.String()
	}
	resp, body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	case http.StatusGatewayTimeout:
		return nil, fmt.Errorf("file %d: %w", id, ErrNotReady)
	default:
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
}

// Pending calls GET /files.
func (c *Client) Pending(ctx context.Context) ([]collector.Progress, error) {
	resp, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/files", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	var out []collector.Progress
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return out, nil
}

// SendFile begins id, PUTs every planned chunk with opts.Streams concurrent
// requests, and returns once the file has been begun and fully uploaded.
// Completion is not awaited; call FetchFile for that.
func (c *Client) SendFile(ctx context.Context, id collector.FileID, data []byte, opts transfer.SendOptions) error {
	if err := c.BeginFile(ctx, id, int64(len(data))); err != nil {
		return err
	}
	spans := transfer.Plan(int64(len(data)), opts.PlanOptions)
	if len(spans) == 0 {
		return nil
	}

	var (
		errOnce sync.Once
		sendErr error
	)
	pool := hackpool.New(min(max(opts.Streams, 1), len(spans)), func(args ...interface{}) {
		sp := args[0].(transfer.Span)
		if ctx.Err() != nil {
			return
		}
		if err := c.PutChunk(ctx, id, sp.Offset, data[sp.Offset:sp.End()]); err != nil {
			errOnce.Do(func() { sendErr = err })
		}
	})
	go func() {
		for _, sp := range spans {
			pool.Push(sp)
		}
		pool.CloseQueue()
	}()
	pool.Run()

	if sendErr != nil {
		return sendErr
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

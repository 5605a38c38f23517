// Package notify tells downstream systems that a file has been reassembled.
package notify

import (
	"context"
	"errors"
	"time"
)

// EventFileCompleted is the only event type published today.
const EventFileCompleted = "file_completed"

// Event is the payload published when a file completes.
type Event struct {
	EventType   string `json:"event_type"` // always "file_completed"
	FileID      uint32 `json:"file_id"`
	Size        int64  `json:"size"`
	Key         string `json:"key,omitempty"` // blob key, empty when storing is disabled
	CompletedAt string `json:"completed_at"`  // RFC 3339
	DurationMs  int64  `json:"duration_ms"`   // Begin to completion
}

// NewEvent builds a completion event.
func NewEvent(fileID uint32, size int64, key string, completedAt time.Time, took time.Duration) *Event {
	return &Event{
		EventType:   EventFileCompleted,
		FileID:      fileID,
		Size:        size,
		Key:         key,
		CompletedAt: completedAt.UTC().Format(time.RFC3339Nano),
		DurationMs:  took.Milliseconds(),
	}
}

// Notifier publishes completion events to a downstream system.
type Notifier interface {
	// Publish sends one event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *Event) error

	// Close releases notifier resources.
	Close() error
}

// Multi fans each event out to every notifier.
type Multi []Notifier

// Publish calls every notifier and joins their errors.
func (m Multi) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = Multi(nil)

// backoff returns the wait before retry attempt i (i >= 1).
func backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// retry runs fn up to 1+retries times with exponential backoff between
// attempts. fn reports whether a failure may be retried.
func retry(ctx context.Context, retries int, fn func(ctx context.Context) (retriable bool, err error)) (attempts int, err error) {
	attempts = 1 + retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-time.After(backoff(i)):
			}
		}

		var retriable bool
		retriable, err = fn(ctx)
		if err == nil {
			return i + 1, nil
		}
		if !retriable {
			return i + 1, err
		}
	}
	return attempts, err
}

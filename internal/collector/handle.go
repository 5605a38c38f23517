package collector

import "context"

// Handle resolves to the assembled bytes of one file.
// It is fulfilled exactly once; every Await for the same live id returns the same Handle.
type Handle struct {
	id   FileID
	done chan struct{}
	data []byte
}

func newHandle(id FileID) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the file id this handle belongs to.
func (h *Handle) ID() FileID {
	return h.id
}

// Done returns a channel that is closed once the file is complete.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the file is complete or ctx is done.
// The returned slice is shared between all holders of the handle and must not be modified.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.data, nil
	default:
	}
	select {
	case <-h.done:
		return h.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the assembled bytes without blocking.
func (h *Handle) Result() ([]byte, bool) {
	select {
	case <-h.done:
		return h.data, true
	default:
		return nil, false
	}
}

// release wakes every waiter. h.data must already be set; the close is the
// happens-before edge that publishes it. Callers must not hold any collector lock.
func (h *Handle) release() {
	close(h.done)
}

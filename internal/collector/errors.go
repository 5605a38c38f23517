package collector

import "errors"

var (
	// ErrAlreadyInProgress indicates Begin was called for an id that is still being assembled.
	ErrAlreadyInProgress = errors.New("file already in progress")
	// ErrUnknownFile indicates the id was never begun or has already been completed and handed off.
	ErrUnknownFile = errors.New("unknown file")
	// ErrInvalidSize indicates a non-positive total size.
	ErrInvalidSize = errors.New("invalid file size")
)

// Package errs defines the error kinds surfaced to tool callers.
package errs

import "errors"

var (
	// ErrInvalidArgument marks missing or malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState marks an operation that is illegal in the current playback state.
	ErrInvalidState = errors.New("invalid state")
	// ErrIO marks a failed write of a synthesized artifact or other storage I/O.
	ErrIO = errors.New("i/o failure")
	// ErrNotFound marks a lookup for a book or record that does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind returns the sentinel that err wraps, or nil when err carries none of them.
func Kind(err error) error {
	for _, kind := range []error{ErrInvalidArgument, ErrInvalidState, ErrIO, ErrNotFound} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

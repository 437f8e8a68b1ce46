package exfile

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrClosed indicates the file handle was already closed.
	ErrClosed = errors.New("exfile: closed")
	// ErrReadonly indicates a mutating call on a read-only file.
	ErrReadonly = errors.New("exfile: read-only")

	// ErrInvalidInput indicates malformed arguments.
	ErrInvalidInput = errors.New("exfile: invalid input")

	// ErrNotAligned indicates an offset or length that is not page-aligned.
	ErrNotAligned = errors.New("exfile: not aligned")
	// ErrMmapOverlap indicates a new mmap slot would overlap an existing one.
	ErrMmapOverlap = errors.New("exfile: mmap overlap")
	// ErrNotMmaped indicates no mmap slot is registered at the given offset.
	ErrNotMmaped = errors.New("exfile: not mmaped")
	// ErrOutOfBounds indicates an offset outside the addressable range.
	ErrOutOfBounds = errors.New("exfile: offset out of bounds")
	// ErrMaxOff indicates growth past the configured maximum file offset.
	ErrMaxOff = errors.New("exfile: max offset reached")
	// ErrResizePolicyFail indicates the resize policy returned an error.
	ErrResizePolicyFail = errors.New("exfile: resize policy failed")
)

package ikv

import (
	"errors"

	"github.com/tchen0123/ikv/pkg/exfile"
)

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrNotFound indicates a missing key, or a cursor that ran off either
	// end of the database or was invalidated.
	ErrNotFound = errors.New("ikv: not found")
	// ErrKeyExists indicates a put with NoOverwrite on an existing key.
	ErrKeyExists = errors.New("ikv: key already exists")
	// ErrMaxKVSize indicates key+value exceeds 256 MiB - 1.
	ErrMaxKVSize = errors.New("ikv: key/value size exceeds maximum")
	// ErrCorrupted indicates a structural invariant breached on disk. The
	// store handle must not be used further.
	ErrCorrupted = errors.New("ikv: data corrupted")
	// ErrDupValueSize indicates a duplicate-array element of the wrong width.
	ErrDupValueSize = errors.New("ikv: invalid duplicate value size")
	// ErrKeyNumValueSize indicates a key of the wrong width for an
	// integer-key database.
	ErrKeyNumValueSize = errors.New("ikv: invalid key size for integer-key database")
	// ErrIncompatibleDBMode indicates a database reopened with different
	// flags than it was created with.
	ErrIncompatibleDBMode = errors.New("ikv: incompatible database mode")
	// ErrInvalidState indicates an operation on a closed or otherwise
	// unusable handle.
	ErrInvalidState = errors.New("ikv: invalid state")
	// ErrClosed indicates the store handle was already closed.
	ErrClosed = errors.New("ikv: closed")
)

// Infrastructure codes surfaced from the file layer, re-exported so callers
// can classify every failure from this package alone.
var (
	ErrReadonly         = exfile.ErrReadonly
	ErrMaxOff           = exfile.ErrMaxOff
	ErrMmapOverlap      = exfile.ErrMmapOverlap
	ErrNotMmaped        = exfile.ErrNotMmaped
	ErrResizePolicyFail = exfile.ErrResizePolicyFail
	ErrNotAligned       = exfile.ErrNotAligned
	ErrOutOfBounds      = exfile.ErrOutOfBounds
)

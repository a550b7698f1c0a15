package catalog

import "github.com/pkg/errors"

var (
	// ErrNotFound means the index name resolves to no owner anywhere.
	ErrNotFound = errors.New("catalog: index not found")
	// ErrAlreadyExists means the name is taken, locally or by a remote owner.
	ErrAlreadyExists = errors.New("catalog: index already exists")
	// ErrCorruptIndex means the engine could not reopen a local index.
	ErrCorruptIndex = errors.New("catalog: corrupt index")
	// ErrDropTimeout means in-flight operations did not drain within the
	// configured window. The handle stays usable and the drop may be retried.
	ErrDropTimeout = errors.New("catalog: drop timed out waiting for in-flight operations")
	// ErrClosed means the handle is draining or already destroyed.
	ErrClosed = errors.New("catalog: index handle closed")
)

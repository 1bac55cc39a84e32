package item

import "errors"

// Error kinds surfaced by the cache. Callers compare with errors.Is.
var (
	// ErrNotFound means the key does not exist, confirmed either by a
	// live cache miss inside a covered range or by a tombstone.
	ErrNotFound = errors.New("item not found")

	// ErrExists means a live item already occupies the key.
	ErrExists = errors.New("item already exists")

	// ErrInvalid means the caller passed bad arguments.
	ErrInvalid = errors.New("invalid argument")

	// ErrCorruption means a found key or value violated a size the
	// caller knows the on-storage format guarantees.
	ErrCorruption = errors.New("corruption detected")

	// ErrBufferTooSmall means a destination buffer cannot hold data
	// whose size is fixed by the format.
	ErrBufferTooSmall = errors.New("buffer too small")
)

package store

import "errors"

var (
	// ErrUploadNotFound indicates the upload record could not be found
	// for the given id and owner.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrChunkOutOfOrder indicates the chunk index did not match the
	// session's next expected index, or the session left the
	// pending/in_progress states while the write was in flight.
	ErrChunkOutOfOrder = errors.New("chunk index out of order")
)

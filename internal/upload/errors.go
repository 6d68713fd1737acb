package upload

import "errors"

var (
	// ErrUploadExpired indicates the session deadline passed before the
	// operation arrived. The session is marked failed on first encounter.
	ErrUploadExpired = errors.New("upload session expired")

	// ErrInvalidState indicates the operation is not legal in the
	// session's current status.
	ErrInvalidState = errors.New("invalid upload state")

	// ErrChecksumMismatch indicates the client-declared chunk digest does
	// not match the server-computed one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrChunkSizeMismatch indicates a chunk carried a byte count other
	// than the one its index requires.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// ErrValidation covers malformed init parameters.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity indicates the staged chunk set disagrees with the
	// session record at finalize time.
	ErrIntegrity = errors.New("upload integrity check failed")
)

package cache

import "errors"

var (
	// Contract violations, surfaced to callers
	ErrInvalidQuery      = errors.New("invalid query")
	ErrInvalidEmbedding  = errors.New("invalid embedding")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidEntry      = errors.New("invalid cache entry")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Store errors. ErrNotFound is returned by Store.GetOne for absent ids.
	ErrNotFound              = errors.New("cache entry not found")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")

	// ErrClosed is returned by operations on a closed manager
	ErrClosed = errors.New("cache is closed")
)

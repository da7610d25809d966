package domain

import "errors"

var (
	// ErrCorpusNotReady is returned by searches issued before the first build.
	ErrCorpusNotReady = errors.New("corpus not ready")
	// ErrEmbeddingProvider wraps failures of the embedding collaborator. It is retryable.
	ErrEmbeddingProvider = errors.New("embedding provider failure")
	// ErrMalformedEntry marks a knowledge entry that was skipped during a build.
	ErrMalformedEntry = errors.New("malformed knowledge entry")
	// ErrCacheMismatch marks an embedding cache that no longer matches the knowledge base.
	ErrCacheMismatch = errors.New("embedding cache mismatch")
)

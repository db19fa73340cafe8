package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)
	// ReleaseIdempotency frees a key claimed by a request that failed
	ReleaseIdempotency(ctx context.Context, key string) error
}

package port

import "context"

// IdempotencyCache remembers which entity id an idempotency key resolved to.
// It is only a shortcut: the store's unique constraint stays authoritative.
type IdempotencyCache interface {
	// Get returns the entity id stored for key, if any.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put binds key to id unless the key is already bound.
	Put(ctx context.Context, key, id string) error
}

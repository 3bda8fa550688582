package claim

import (
	"context"
	"fmt"
)

// CheckConsistency compares the cache and the store for one key. It takes
// the key's lock so the comparison cannot interleave with a mutation.
// Returns nil when both sides agree on existence and owner.
func (co *Coordinator) CheckConsistency(ctx context.Context, key ChunkKey) error {
	h, err := co.locks.Acquire(key.String(), co.lockTimeout)
	if err != nil {
		return fmt.Errorf("consistency check %s: %w", key, err)
	}
	defer h.Release()

	stored, err := co.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("consistency check %s: %w", key, err)
	}
	cached, ok := co.cache.Owner(key)

	switch {
	case stored == nil && !ok:
		return nil
	case stored == nil && ok:
		return fmt.Errorf("consistency check %s: cached owner %s but no store row", key, cached.Owner.ID)
	case stored != nil && !ok:
		return fmt.Errorf("consistency check %s: store owner %s missing from cache", key, stored.Owner.ID)
	case stored.Owner.ID != cached.Owner.ID:
		return fmt.Errorf("consistency check %s: store owner %s, cached owner %s",
			key, stored.Owner.ID, cached.Owner.ID)
	}
	return nil
}

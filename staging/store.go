package staging

import "context"

// Store persists approved stagings. Implementations keep one current pointer
// per region and an append-only history.
type Store interface {
	// Commit persists s with its NPC list, deactivates the region's previous
	// active staging and repoints the region, all in one transaction.
	Commit(ctx context.Context, s *Staging) error
	// Current returns the region's active staging regardless of expiry, or
	// ErrNotFound.
	Current(ctx context.Context, regionID string) (*Staging, error)
	// Get returns one staging by ID, or ErrNotFound.
	Get(ctx context.Context, stagingID string) (*Staging, error)
	// History returns the region's stagings, most recent approval first.
	History(ctx context.Context, regionID string, limit int) ([]*Staging, error)
	// Deactivate clears the region's current pointer and flips its active
	// staging to inactive. Deactivating a region without one is a no-op.
	Deactivate(ctx context.Context, regionID string) error
	Close() error
}

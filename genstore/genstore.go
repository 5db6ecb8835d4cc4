// Package genstore holds the logical clock of every cache region.
//
// A region's generation is its invalidation timestamp: invalidating or evicting
// the region bumps it, and every entry carries the generation observed before
// its value was fetched. Entries stamped below the current generation are stale.
//
// Generations never go backwards. A store must not prune or expire them: a
// region restarted at 0 would revalidate entries stamped before the reset.
package genstore

import "context"

// GenStore abstracts where region generations live.
// LocalGenStore (default) keeps them in-process; RedisGenStore shares them
// between processes that share a provider.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, region string) (uint64, error)
	// SnapshotMany returns generations for many regions in one read; missing => 0.
	SnapshotMany(ctx context.Context, regions []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, region string) (uint64, error)
	Close(context.Context) error
}

package l2cache

import (
	"context"
	"time"

	gen "github.com/unkn0wn-root/l2cache/genstore"
	pr "github.com/unkn0wn-root/l2cache/provider"
)

// backend is what every region shares: the byte store, the region clocks and
// the observability sinks.
type backend struct {
	provider pr.Provider
	gens     gen.GenStore
	log      Logger
	hooks    Hooks
	cost     SetCostFunc
}

// snapshotGen reads a region clock. ok=false means the clock is unknown:
// readers must miss and writers must skip.
func (b *backend) snapshotGen(ctx context.Context, region string) (uint64, bool) {
	g, err := b.gens.Snapshot(ctx, region)
	if err != nil {
		b.log.Warn("gen snapshot error", Fields{"region": region, "err": err})
		b.hooks.GenSnapshotError(region, err)
		return 0, false
	}
	return g, true
}

// snapshotGens reads several region clocks in one round trip.
func (b *backend) snapshotGens(ctx context.Context, regions ...string) (map[string]uint64, bool) {
	gens, err := b.gens.SnapshotMany(ctx, regions)
	if err != nil {
		b.log.Warn("gen snapshot error", Fields{"regions": regions, "err": err})
		for _, r := range regions {
			b.hooks.GenSnapshotError(r, err)
		}
		return nil, false
	}
	return gens, true
}

func (b *backend) bumpGen(ctx context.Context, region string) (uint64, error) {
	g, err := b.gens.Bump(ctx, region)
	if err != nil {
		b.log.Error("gen bump error", Fields{"region": region, "err": err})
		b.hooks.GenBumpError(region, err)
		return 0, err
	}
	return g, nil
}

// read fetches raw bytes; provider failures degrade to a miss.
func (b *backend) read(ctx context.Context, region, key string) ([]byte, bool) {
	raw, ok, err := b.provider.Get(ctx, key)
	if err != nil {
		b.log.Warn("provider get failed; treating as miss", Fields{"region": region, "key": key, "err": err})
		return nil, false
	}
	return raw, ok
}

func (b *backend) write(ctx context.Context, region, key string, raw []byte, isQuery bool, ttl time.Duration) (bool, error) {
	ok, err := b.provider.Set(ctx, key, raw, b.cost(key, raw, isQuery), ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		b.log.Debug("provider rejected write", Fields{"region": region, "key": key})
		b.hooks.ProviderSetRejected(region, key)
	}
	return ok, nil
}

func (b *backend) heal(ctx context.Context, region, key, reason string) {
	_ = b.provider.Del(ctx, key)
	b.hooks.SelfHeal(region, key, reason)
}

// dropAll deletes evicted keys outside region locks. Failures are harmless:
// the bumped generation already makes those entries stale.
func (b *backend) dropAll(ctx context.Context, region string, keys []string) {
	for _, k := range keys {
		if err := b.provider.Del(ctx, k); err != nil {
			b.log.Debug("provider delete after evict failed", Fields{"region": region, "key": k, "err": err})
		}
	}
}

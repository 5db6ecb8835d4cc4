package l2cache

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/l2cache/internal/wire"
)

// entityRegion stores entity snapshots of one EntityType.
//
// Entries are framed with the region generation they were written under and
// are valid only while it is current. evict bumps the generation, so entries
// the index no longer knows about (or a failed provider delete) can never be
// served again.
type entityRegion struct {
	name  string
	typ   EntityType
	ttl   time.Duration
	b     *backend
	stats *counters

	mu       sync.RWMutex
	resident map[string]struct{} // ids written under the current generation
}

func newEntityRegion(name string, typ EntityType, ttl time.Duration, b *backend, stats *counters) *entityRegion {
	return &entityRegion{
		name:     name,
		typ:      typ,
		ttl:      ttl,
		b:        b,
		stats:    stats,
		resident: make(map[string]struct{}),
	}
}

func (r *entityRegion) genKey() string { return "entity:" + r.name }

func (r *entityRegion) storageKey(id string) string { return "entity:" + r.name + ":" + id }

// observe snapshots the region clock before a fetch.
func (r *entityRegion) observe(ctx context.Context) (uint64, bool) {
	return r.b.snapshotGen(ctx, r.genKey())
}

// get returns a private copy of the snapshot. Counts a hit or a miss.
func (r *entityRegion) get(ctx context.Context, id string) ([]byte, bool) {
	return r.count(r.read(ctx, id))
}

// getAt is get validated against an already observed generation.
func (r *entityRegion) getAt(ctx context.Context, id string, cur uint64) ([]byte, bool) {
	return r.count(r.readAt(ctx, id, cur))
}

func (r *entityRegion) count(snap []byte, ok bool) ([]byte, bool) {
	if ok {
		r.stats.hit()
	} else {
		r.stats.miss()
	}
	return snap, ok
}

// contains is get without counters.
func (r *entityRegion) contains(ctx context.Context, id string) bool {
	_, ok := r.read(ctx, id)
	return ok
}

func (r *entityRegion) read(ctx context.Context, id string) ([]byte, bool) {
	g, snap, ok := r.load(ctx, id)
	if !ok {
		return nil, false
	}
	cur, ok := r.observe(ctx)
	if !ok {
		return nil, false
	}
	return r.check(ctx, id, g, snap, cur)
}

func (r *entityRegion) readAt(ctx context.Context, id string, cur uint64) ([]byte, bool) {
	g, snap, ok := r.load(ctx, id)
	if !ok {
		return nil, false
	}
	return r.check(ctx, id, g, snap, cur)
}

func (r *entityRegion) load(ctx context.Context, id string) (uint64, []byte, bool) {
	raw, ok := r.b.read(ctx, r.name, r.storageKey(id))
	if !ok {
		r.forget(id)
		return 0, nil, false
	}
	g, snap, err := wire.DecodeEntity(raw)
	if err != nil {
		r.drop(ctx, id, "corrupt")
		return 0, nil, false
	}
	return g, snap, true
}

func (r *entityRegion) check(ctx context.Context, id string, g uint64, snap []byte, cur uint64) ([]byte, bool) {
	if g < cur {
		r.drop(ctx, id, "stale")
		return nil, false
	}
	// written after cur was observed: valid for later readers, not for this one
	if g > cur {
		return nil, false
	}
	return append([]byte(nil), snap...), true
}

// put stores snapshot under the current generation and counts a put.
func (r *entityRegion) put(ctx context.Context, id string, snapshot []byte) (bool, error) {
	return r.store(ctx, id, snapshot, 0, false)
}

// putIfCurrent stores snapshot only if the region generation still equals
// observed, i.e. nothing was evicted while the value was being fetched.
func (r *entityRegion) putIfCurrent(ctx context.Context, id string, snapshot []byte, observed uint64) (bool, error) {
	return r.store(ctx, id, snapshot, observed, true)
}

func (r *entityRegion) store(ctx context.Context, id string, snapshot []byte, observed uint64, cas bool) (bool, error) {
	k := r.storageKey(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.observe(ctx)
	if !ok {
		return false, nil
	}
	if cas && cur != observed {
		r.b.log.Debug("entity put skipped (region evicted during fetch)", Fields{"region": r.name, "id": id, "obs": observed, "cur": cur})
		return false, nil
	}
	stored, err := r.b.write(ctx, r.name, k, wire.EncodeEntity(cur, snapshot), false, r.ttl)
	if err != nil || !stored {
		return false, err
	}
	r.resident[id] = struct{}{}
	r.stats.put()
	return true, nil
}

// evictKey drops one entity. Counters untouched.
func (r *entityRegion) evictKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resident, id)
	return r.b.provider.Del(ctx, r.storageKey(id))
}

// evict drops every entry. The generation bump makes the drop atomic for
// readers; provider deletes happen after the lock is released.
func (r *entityRegion) evict(ctx context.Context) (int, error) {
	r.mu.Lock()
	_, err := r.b.bumpGen(ctx, r.genKey())
	old := r.resident
	r.resident = make(map[string]struct{})
	r.mu.Unlock()

	keys := make([]string, 0, len(old))
	for id := range old {
		keys = append(keys, r.storageKey(id))
	}
	r.b.dropAll(ctx, r.name, keys)
	r.b.hooks.RegionEvicted(r.name, len(old))
	r.b.log.Debug("entity region evicted", Fields{"region": r.name, "dropped": len(old)})
	return len(old), err
}

func (r *entityRegion) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resident)
}

func (r *entityRegion) forget(id string) {
	r.mu.Lock()
	delete(r.resident, id)
	r.mu.Unlock()
}

func (r *entityRegion) drop(ctx context.Context, id, reason string) {
	r.forget(id)
	r.b.heal(ctx, r.name, r.storageKey(id), reason)
}

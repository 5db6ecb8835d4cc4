package l2cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/l2cache/internal/wire"
)

// queryRegion caches ordered entity keys per query fingerprint.
//
// The region generation is its invalidation timestamp. An entry is stamped
// with the generation observed before its fetch ran and is valid while
// created >= current. invalidate is a single bump; stale entries are purged
// lazily by the next lookup.
type queryRegion struct {
	name  string
	ttl   time.Duration
	b     *backend
	stats *counters

	mu       sync.RWMutex
	resident map[string]struct{}     // fingerprints
	types    map[EntityType]struct{} // every entity type ever referenced
}

func newQueryRegion(name string, ttl time.Duration, b *backend, stats *counters) *queryRegion {
	return &queryRegion{
		name:     name,
		ttl:      ttl,
		b:        b,
		stats:    stats,
		resident: make(map[string]struct{}),
		types:    make(map[EntityType]struct{}),
	}
}

func (r *queryRegion) genKey() string { return "query:" + r.name }

func (r *queryRegion) storageKey(fp string) string { return "query:" + r.name + ":" + fp }

func (r *queryRegion) observe(ctx context.Context) (uint64, bool) {
	return r.b.snapshotGen(ctx, r.genKey())
}

func (r *queryRegion) reference(types []EntityType) {
	r.mu.RLock()
	missing := false
	for _, t := range types {
		if _, ok := r.types[t]; !ok {
			missing = true
			break
		}
	}
	r.mu.RUnlock()
	if !missing {
		return
	}
	r.mu.Lock()
	for _, t := range types {
		r.types[t] = struct{}{}
	}
	r.mu.Unlock()
}

func (r *queryRegion) references(t EntityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[t]
	return ok
}

// lookup returns the cached keys of the query whose canonical identity is
// ident and whose fingerprint is fp. Stale and corrupt entries count as a
// miss and are purged.
func (r *queryRegion) lookup(ctx context.Context, fp string, ident []byte) ([]Key, bool) {
	e, ok := r.load(ctx, fp)
	if !ok {
		return r.count(nil, false)
	}
	cur, ok := r.observe(ctx)
	if !ok {
		return r.count(nil, false)
	}
	return r.count(r.check(ctx, fp, ident, e, cur))
}

// lookupAt is lookup validated against an already observed timestamp.
func (r *queryRegion) lookupAt(ctx context.Context, fp string, ident []byte, cur uint64) ([]Key, bool) {
	e, ok := r.load(ctx, fp)
	if !ok {
		return r.count(nil, false)
	}
	return r.count(r.check(ctx, fp, ident, e, cur))
}

func (r *queryRegion) count(keys []Key, ok bool) ([]Key, bool) {
	if ok {
		r.stats.hit()
	} else {
		r.stats.miss()
	}
	return keys, ok
}

func (r *queryRegion) load(ctx context.Context, fp string) (wire.QueryEntry, bool) {
	raw, ok := r.b.read(ctx, r.name, r.storageKey(fp))
	if !ok {
		r.forget(fp)
		return wire.QueryEntry{}, false
	}
	e, err := wire.DecodeQuery(raw)
	if err != nil {
		r.drop(ctx, fp, "corrupt")
		return wire.QueryEntry{}, false
	}
	return e, true
}

func (r *queryRegion) check(ctx context.Context, fp string, ident []byte, e wire.QueryEntry, cur uint64) ([]Key, bool) {
	if e.Created < cur {
		r.drop(ctx, fp, "stale")
		return nil, false
	}
	// another query with the same fingerprint; the next store replaces it
	if !bytes.Equal(e.Ident, ident) {
		r.b.log.Debug("query fingerprint collision", Fields{"region": r.name, "fp": fp})
		return nil, false
	}
	keys := make([]Key, len(e.Refs))
	for i, ref := range e.Refs {
		keys[i] = Key{Type: EntityType(ref.Type), ID: ref.ID}
	}
	return keys, true
}

// store saves keys stamped with observed. When the region was invalidated
// after observed was taken the result is already stale and is not stored.
func (r *queryRegion) store(ctx context.Context, fp string, ident []byte, keys []Key, observed uint64) (bool, error) {
	refs := make([]wire.Ref, len(keys))
	for i, k := range keys {
		refs[i] = wire.Ref{Type: string(k.Type), ID: k.ID}
	}
	raw, err := wire.EncodeQuery(wire.QueryEntry{Created: observed, Ident: ident, Refs: refs})
	if err != nil {
		return false, err
	}
	k := r.storageKey(fp)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.observe(ctx)
	if !ok {
		return false, nil
	}
	if observed < cur {
		r.b.log.Debug("query store skipped (invalidated during fetch)", Fields{"region": r.name, "obs": observed, "cur": cur})
		return false, nil
	}
	stored, err := r.b.write(ctx, r.name, k, raw, true, r.ttl)
	if err != nil || !stored {
		return false, err
	}
	r.resident[fp] = struct{}{}
	r.stats.put()
	return true, nil
}

// invalidate bumps the region timestamp. Entries stay resident until read.
func (r *queryRegion) invalidate(ctx context.Context) (uint64, error) {
	g, err := r.b.bumpGen(ctx, r.genKey())
	if err != nil {
		return 0, err
	}
	r.b.hooks.RegionInvalidated(r.name, g)
	r.b.log.Debug("query region invalidated", Fields{"region": r.name, "gen": g})
	return g, nil
}

// evict is invalidate plus dropping every resident entry.
func (r *queryRegion) evict(ctx context.Context) (int, error) {
	r.mu.Lock()
	_, err := r.b.bumpGen(ctx, r.genKey())
	old := r.resident
	r.resident = make(map[string]struct{})
	r.mu.Unlock()

	keys := make([]string, 0, len(old))
	for fp := range old {
		keys = append(keys, r.storageKey(fp))
	}
	r.b.dropAll(ctx, r.name, keys)
	r.b.hooks.RegionEvicted(r.name, len(old))
	r.b.log.Debug("query region evicted", Fields{"region": r.name, "dropped": len(old)})
	return len(old), err
}

func (r *queryRegion) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resident)
}

func (r *queryRegion) forget(fp string) {
	r.mu.Lock()
	delete(r.resident, fp)
	r.mu.Unlock()
}

func (r *queryRegion) drop(ctx context.Context, fp, reason string) {
	r.forget(fp)
	r.b.heal(ctx, r.name, r.storageKey(fp), reason)
}

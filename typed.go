package l2cache

import (
	"context"
	"errors"

	c "github.com/unkn0wn-root/l2cache/codec"
)

// Entities is the typed view of one entity region. Values go in and out
// through the codec, so callers never share memory with the cache.
type Entities[V any] struct {
	m      *Manager
	typ    EntityType
	region *entityRegion
	codec  c.Codec[V]
	id     func(V) string
}

// Register creates (or reuses) the entity region of typ and returns its typed
// view. id extracts the primary key of a value.
func Register[V any](m *Manager, typ EntityType, codec c.Codec[V], id func(V) string) (*Entities[V], error) {
	if codec == nil {
		return nil, errors.New("l2cache: codec is required")
	}
	if id == nil {
		return nil, errors.New("l2cache: id func is required")
	}
	if _, err := m.RegisterEntity(typ); err != nil {
		return nil, err
	}
	r, err := m.entityRegion("register", typ)
	if err != nil {
		return nil, err
	}
	return &Entities[V]{m: m, typ: typ, region: r, codec: codec, id: id}, nil
}

func (e *Entities[V]) Type() EntityType { return e.typ }

// Region is the entity region name.
func (e *Entities[V]) Region() string { return e.region.name }

// Load returns the cached entity or, on miss, fetch's result, which is then
// cached. Fetch errors are returned unchanged and leave the cache untouched.
func (e *Entities[V]) Load(ctx context.Context, id string, fetch func(context.Context) (V, error)) (V, error) {
	if !e.m.Enabled() {
		return fetch(ctx)
	}
	// one clock read validates the cached entry and guards the fetch
	obs, known := e.region.observe(ctx)
	if known {
		if v, ok := e.cached(ctx, id, obs); ok {
			return v, nil
		}
	} else {
		e.region.stats.miss()
	}

	v, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	if known {
		e.store(ctx, v, obs)
	}
	return v, nil
}

// LoadAll runs the canonical "from <Type>" query.
func (e *Entities[V]) LoadAll(ctx context.Context, fetchAll func(context.Context) ([]V, error)) ([]V, error) {
	return e.Query(ctx, AllQuery(e.typ), fetchAll)
}

// Query returns the cached result of q or, on miss, fetch's result. A hit
// is resolved key by key through the entity region; if any entity is gone
// the whole result is fetched and cached again.
func (e *Entities[V]) Query(ctx context.Context, q Query, fetch func(context.Context) ([]V, error)) ([]V, error) {
	if !e.m.Enabled() {
		return fetch(ctx)
	}
	q = e.normalize(q)

	if !e.m.QueryCacheEnabled() {
		obs, canStore := e.region.observe(ctx)
		vs, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if canStore {
			for _, v := range vs {
				e.store(ctx, v, obs)
			}
		}
		return vs, nil
	}

	qr, err := e.m.queryRegion("query", q)
	if err != nil {
		return nil, err
	}
	fp, ident, err := q.identity()
	if err != nil {
		return nil, err
	}
	qk, ek := qr.genKey(), e.region.genKey()
	gens, known := e.m.b.snapshotGens(ctx, qk, ek)
	if known {
		if keys, ok := qr.lookupAt(ctx, fp, ident, gens[qk]); ok {
			if vs, ok := e.resolve(ctx, keys, gens[ek]); ok {
				return vs, nil
			}
			e.m.b.log.Debug("query hit with evicted entities; refetching", Fields{"region": qr.name})
		}
	} else {
		qr.stats.miss()
	}

	// the same snapshot guards the stores below
	vs, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(vs))
	for i, v := range vs {
		keys[i] = Key{Type: e.typ, ID: e.id(v)}
		if known {
			e.store(ctx, v, gens[ek])
		}
	}
	if known {
		if _, err := qr.store(ctx, fp, ident, keys, gens[qk]); err != nil {
			e.m.b.log.Warn("query store failed", Fields{"region": qr.name, "err": err})
		}
	}
	return vs, nil
}

// Put caches v as the current state of its entity, e.g. right after the
// persistence layer inserted or updated it.
func (e *Entities[V]) Put(ctx context.Context, v V) error {
	if !e.m.Enabled() {
		return nil
	}
	snap, err := e.codec.Encode(v)
	if err != nil {
		return err
	}
	_, err = e.region.put(ctx, e.id(v), snap)
	return err
}

// Evict drops one entity from the region.
func (e *Entities[V]) Evict(ctx context.Context, id string) error {
	return e.region.evictKey(ctx, id)
}

// Contains reports whether id is cached, without counting a hit or miss.
func (e *Entities[V]) Contains(ctx context.Context, id string) bool {
	return e.m.Enabled() && e.region.contains(ctx, id)
}

// cached decodes the entry of id if it was written under generation cur.
func (e *Entities[V]) cached(ctx context.Context, id string, cur uint64) (V, bool) {
	var zero V
	snap, ok := e.region.getAt(ctx, id, cur)
	if !ok {
		return zero, false
	}
	v, err := e.codec.Decode(snap)
	if err != nil {
		e.region.drop(ctx, id, "decode")
		return zero, false
	}
	return v, true
}

func (e *Entities[V]) store(ctx context.Context, v V, observed uint64) {
	id := e.id(v)
	snap, err := e.codec.Encode(v)
	if err != nil {
		e.m.b.log.Warn("entity encode failed; not cached", Fields{"region": e.region.name, "id": id, "err": err})
		return
	}
	if _, err := e.region.putIfCurrent(ctx, id, snap, observed); err != nil {
		e.m.b.log.Warn("entity put failed", Fields{"region": e.region.name, "id": id, "err": err})
	}
}

// resolve decodes every key of a query hit against one entity clock reading.
func (e *Entities[V]) resolve(ctx context.Context, keys []Key, cur uint64) ([]V, bool) {
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		if k.Type != e.typ {
			return nil, false
		}
		v, ok := e.cached(ctx, k.ID, cur)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// normalize puts the result type first in q.Types.
func (e *Entities[V]) normalize(q Query) Query {
	types := make([]EntityType, 0, len(q.Types)+1)
	types = append(types, e.typ)
	for _, t := range q.Types {
		if t != e.typ {
			types = append(types, t)
		}
	}
	q.Types = types
	return q
}

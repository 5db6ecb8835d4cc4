// Package l2cache implements a process-wide second-level object cache: entity
// snapshots keyed by (type, id) and query results keyed by a canonical query
// fingerprint, with lazy, O(1) invalidation.
//
// Components:
//   - Provider: byte store with TTL (in-memory, Ristretto, BigCache, Redis).
//   - Codec[V]: (de)serializes entity values V <-> snapshot bytes.
//   - GenStore: one generation counter per region. A region's generation is its
//     invalidation timestamp; entries stamped with an older one are stale.
//
// Keys:
//
//	entity:<region>:<id>  - entity snapshots
//	query:<region>:<fp>   - ordered entity keys of a query result
//
// Query results store identity, not state: a query hit is resolved key by key
// through the entity region, and any unresolvable key falls back to the fetch.
//
// Fetch callbacks run outside every cache lock. The region generation is
// snapshotted before the fetch, so a result fetched across an invalidation is
// never served:
//
//	m, _ := l2cache.New(l2cache.Options{EntityTypes: []l2cache.EntityType{"Employee"}})
//	emps, _ := l2cache.Register[Employee](m, "Employee", codec.Msgpack[Employee]{}, empID)
//	e, err := emps.Load(ctx, "2", func(ctx context.Context) (Employee, error) { return db.Get(ctx, 2) })
//	...
//	_ = m.NotifyMutation(ctx, "Employee") // after every committed insert/update/delete
package l2cache

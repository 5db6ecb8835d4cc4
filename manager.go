package l2cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gen "github.com/unkn0wn-root/l2cache/genstore"
	"github.com/unkn0wn-root/l2cache/provider/memory"
)

// Manager owns every region and routes entity and query operations to them.
// It is safe for concurrent use; no cache lock is held while a fetch runs.
type Manager struct {
	b      *backend
	prefix string

	entityTTL time.Duration
	queryTTL  time.Duration

	enabled      atomic.Bool
	queryEnabled atomic.Bool
	closed       atomic.Bool
	stats        *Statistics

	mu       sync.RWMutex
	entities map[EntityType]*entityRegion
	queries  map[string]*queryRegion

	closeOnce sync.Once
	closeErr  error
}

func newManager(opts Options) (*Manager, error) {
	b := &backend{
		provider: opts.Provider,
		gens:     opts.GenStore,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		cost:     unitCost,
	}
	if opts.ComputeSetCost != nil {
		b.cost = opts.ComputeSetCost
	}
	if b.provider == nil {
		b.provider = memory.New()
	}
	if b.gens == nil {
		b.gens = gen.NewLocalGenStore()
	}

	m := &Manager{
		b:         b,
		prefix:    opts.RegionPrefix,
		entityTTL: opts.EntityTTL,
		queryTTL:  opts.QueryTTL,
		entities:  make(map[EntityType]*entityRegion),
		queries:   make(map[string]*queryRegion),
	}
	m.enabled.Store(!opts.Disabled)
	m.queryEnabled.Store(!opts.DisableQueryCache)
	m.stats = newStatistics(&m.enabled)

	for _, t := range opts.EntityTypes {
		if _, err := m.RegisterEntity(t); err != nil {
			return nil, err
		}
	}
	b.log.Info("l2cache manager ready", Fields{
		"enabled":      !opts.Disabled,
		"queryEnabled": !opts.DisableQueryCache,
		"entityTypes":  len(opts.EntityTypes),
	})
	return m, nil
}

// Configure toggles the cache at runtime. While disabled every get/put is a
// pass-through that touches no statistics. Re-enabling evicts every region,
// since puts were skipped while disabled and cached state may be outdated.
func (m *Manager) Configure(ctx context.Context, enabled, queryCacheEnabled bool) {
	wasEnabled := m.enabled.Swap(enabled)
	m.queryEnabled.Store(queryCacheEnabled)
	if enabled && !wasEnabled {
		if err := m.EvictEntityRegions(ctx); err != nil {
			m.b.log.Warn("evict on re-enable failed", Fields{"err": err})
		}
		if err := m.EvictQueryRegions(ctx); err != nil {
			m.b.log.Warn("evict on re-enable failed", Fields{"err": err})
		}
	}
	m.b.log.Info("l2cache reconfigured", Fields{"enabled": enabled, "queryEnabled": queryCacheEnabled})
}

func (m *Manager) Enabled() bool { return m.enabled.Load() && !m.closed.Load() }

func (m *Manager) QueryCacheEnabled() bool { return m.Enabled() && m.queryEnabled.Load() }

// EntityRegionName is the region (and statistics) name of typ.
func (m *Manager) EntityRegionName(typ EntityType) string { return m.prefix + string(typ) }

// QueryRegionName is the region (and statistics) name of q.
func (m *Manager) QueryRegionName(q Query) string {
	if q.Region != "" {
		return q.Region
	}
	return q.Text
}

// RegisterEntity creates the entity region of typ. Registering twice is a no-op.
func (m *Manager) RegisterEntity(typ EntityType) (string, error) {
	if typ == "" {
		return "", errors.New("l2cache: empty entity type")
	}
	name := m.EntityRegionName(typ)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[typ]; ok {
		return name, nil
	}
	if c, ok := m.stats.lookup(name); ok && c.kind != EntityRegion {
		return "", regionErr("register", name, ErrRegionConflict)
	}
	m.entities[typ] = newEntityRegion(name, typ, m.entityTTL, m.b, m.stats.register(name, EntityRegion))
	return name, nil
}

func (m *Manager) entityRegion(op string, typ EntityType) (*entityRegion, error) {
	m.mu.RLock()
	r, ok := m.entities[typ]
	m.mu.RUnlock()
	if !ok {
		return nil, regionErr(op, m.EntityRegionName(typ), ErrRegionNotFound)
	}
	return r, nil
}

// queryRegion returns the region of q, creating it on first use. Every type
// q reads must be a registered entity type.
func (m *Manager) queryRegion(op string, q Query) (*queryRegion, error) {
	if len(q.Types) == 0 {
		return nil, fmt.Errorf("l2cache: query %q lists no entity types", q.Text)
	}
	name := m.QueryRegionName(q)

	m.mu.RLock()
	for _, t := range q.Types {
		if _, ok := m.entities[t]; !ok {
			m.mu.RUnlock()
			return nil, regionErr(op, m.EntityRegionName(t), ErrRegionNotFound)
		}
	}
	r, ok := m.queries[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if r, ok = m.queries[name]; !ok {
			if c, exists := m.stats.lookup(name); exists && c.kind != QueryRegion {
				m.mu.Unlock()
				return nil, regionErr(op, name, ErrRegionConflict)
			}
			r = newQueryRegion(name, m.queryTTL, m.b, m.stats.register(name, QueryRegion))
			m.queries[name] = r
		}
		m.mu.Unlock()
	}
	r.reference(q.Types)
	return r, nil
}

// Get returns a copy of the cached snapshot of (typ, id).
func (m *Manager) Get(ctx context.Context, typ EntityType, id string) ([]byte, bool, error) {
	if !m.Enabled() {
		return nil, false, nil
	}
	r, err := m.entityRegion("get", typ)
	if err != nil {
		return nil, false, err
	}
	snap, ok := r.get(ctx, id)
	return snap, ok, nil
}

// Put inserts or overwrites the snapshot of (typ, id).
func (m *Manager) Put(ctx context.Context, typ EntityType, id string, snapshot []byte) error {
	if !m.Enabled() {
		return nil
	}
	r, err := m.entityRegion("put", typ)
	if err != nil {
		return err
	}
	_, err = r.put(ctx, id, snapshot)
	return err
}

// ContainsEntity reports whether (typ, id) is cached, without counting.
func (m *Manager) ContainsEntity(ctx context.Context, typ EntityType, id string) bool {
	r, err := m.entityRegion("contains", typ)
	if err != nil || !m.Enabled() {
		return false
	}
	return r.contains(ctx, id)
}

// EvictEntity drops one entity. Query regions are not touched; call
// NotifyMutation when the entity changed in the store.
func (m *Manager) EvictEntity(ctx context.Context, typ EntityType, id string) error {
	r, err := m.entityRegion("evict", typ)
	if err != nil {
		return err
	}
	return r.evictKey(ctx, id)
}

// LookupQuery returns the cached result keys of q.
func (m *Manager) LookupQuery(ctx context.Context, q Query) ([]Key, bool, error) {
	if !m.QueryCacheEnabled() {
		return nil, false, nil
	}
	r, err := m.queryRegion("lookup", q)
	if err != nil {
		return nil, false, err
	}
	fp, ident, err := q.identity()
	if err != nil {
		return nil, false, err
	}
	keys, ok := r.lookup(ctx, fp, ident)
	return keys, ok, nil
}

// StoreQuery caches keys as the result of q under the current timestamp.
func (m *Manager) StoreQuery(ctx context.Context, q Query, keys []Key) error {
	if !m.QueryCacheEnabled() {
		return nil
	}
	r, err := m.queryRegion("store", q)
	if err != nil {
		return err
	}
	fp, ident, err := q.identity()
	if err != nil {
		return err
	}
	obs, ok := r.observe(ctx)
	if !ok {
		return nil
	}
	_, err = r.store(ctx, fp, ident, keys, obs)
	return err
}

// NotifyMutation must be called after every committed insert, update or
// delete. It invalidates every query region that ever read one of types.
// Invalidation also runs while the cache is disabled.
func (m *Manager) NotifyMutation(ctx context.Context, types ...EntityType) error {
	m.mu.RLock()
	var targets []*queryRegion
	for _, r := range m.queries {
		for _, t := range types {
			if r.references(t) {
				targets = append(targets, r)
				break
			}
		}
	}
	m.mu.RUnlock()

	var failed EvictError
	for _, r := range targets {
		if _, err := r.invalidate(ctx); err != nil {
			failed.Regions = append(failed.Regions, r.name)
			failed.Errs = append(failed.Errs, err)
		}
	}
	if len(failed.Errs) > 0 {
		return &failed
	}
	return nil
}

// EvictEntityRegion empties the region of typ and invalidates the query
// regions that reference typ.
func (m *Manager) EvictEntityRegion(ctx context.Context, typ EntityType) error {
	r, err := m.entityRegion("evict", typ)
	if err != nil {
		return err
	}
	var failed EvictError
	if _, err := r.evict(ctx); err != nil {
		failed.Regions = append(failed.Regions, r.name)
		failed.Errs = append(failed.Errs, err)
	}
	if err := m.NotifyMutation(ctx, typ); err != nil {
		var ee *EvictError
		if errors.As(err, &ee) {
			failed.Regions = append(failed.Regions, ee.Regions...)
			failed.Errs = append(failed.Errs, ee.Errs...)
		}
	}
	if len(failed.Errs) > 0 {
		return &failed
	}
	return nil
}

// EvictEntityRegions empties every entity region and invalidates every query
// region that could reference them.
func (m *Manager) EvictEntityRegions(ctx context.Context) error {
	m.mu.RLock()
	types := make([]EntityType, 0, len(m.entities))
	for t := range m.entities {
		types = append(types, t)
	}
	m.mu.RUnlock()

	var failed EvictError
	for _, t := range types {
		if err := m.EvictEntityRegion(ctx, t); err != nil {
			var ee *EvictError
			if errors.As(err, &ee) {
				failed.Regions = append(failed.Regions, ee.Regions...)
				failed.Errs = append(failed.Errs, ee.Errs...)
			}
		}
	}
	if len(failed.Errs) > 0 {
		return &failed
	}
	return nil
}

// EvictQueryRegion empties one query region.
func (m *Manager) EvictQueryRegion(ctx context.Context, name string) error {
	m.mu.RLock()
	r, ok := m.queries[name]
	m.mu.RUnlock()
	if !ok {
		return regionErr("evict", name, ErrRegionNotFound)
	}
	if _, err := r.evict(ctx); err != nil {
		return &EvictError{Regions: []string{name}, Errs: []error{err}}
	}
	return nil
}

// EvictQueryRegions empties every query region.
func (m *Manager) EvictQueryRegions(ctx context.Context) error {
	m.mu.RLock()
	regions := make([]*queryRegion, 0, len(m.queries))
	for _, r := range m.queries {
		regions = append(regions, r)
	}
	m.mu.RUnlock()

	var failed EvictError
	for _, r := range regions {
		if _, err := r.evict(ctx); err != nil {
			failed.Regions = append(failed.Regions, r.name)
			failed.Errs = append(failed.Errs, err)
		}
	}
	if len(failed.Errs) > 0 {
		return &failed
	}
	return nil
}

// RegionNames lists entity and query regions, sorted. Empty while disabled.
func (m *Manager) RegionNames() []string { return m.stats.RegionNames() }

// Counts returns put/hit/miss counters of one region.
func (m *Manager) Counts(region string) (Counts, error) { return m.stats.Counts(region) }

// ClearStatistics zeroes every counter without touching cached data.
func (m *Manager) ClearStatistics() { m.stats.Clear() }

func (m *Manager) Statistics() *Statistics { return m.stats }

// Size returns the number of resident entries of a region.
func (m *Manager) Size(region string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.entities {
		if r.name == region {
			return r.size(), nil
		}
	}
	if r, ok := m.queries[region]; ok {
		return r.size(), nil
	}
	return 0, regionErr("size", region, ErrRegionNotFound)
}

// Snapshot describes every region, sorted by name. Empty while disabled.
func (m *Manager) Snapshot() []RegionStats {
	if !m.Enabled() {
		return nil
	}
	m.mu.RLock()
	out := make([]RegionStats, 0, len(m.entities)+len(m.queries))
	for _, r := range m.entities {
		out = append(out, RegionStats{Name: r.name, Kind: EntityRegion, Counts: r.stats.load(), Elements: r.size()})
	}
	for _, r := range m.queries {
		out = append(out, RegionStats{Name: r.name, Kind: QueryRegion, Counts: r.stats.load(), Elements: r.size()})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the generation store and the provider. Later calls return
// the first result; after Close the manager behaves as disabled.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		var errs []error
		if err := m.b.gens.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := m.b.provider.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

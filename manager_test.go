package l2cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/l2cache/codec"
	gen "github.com/unkn0wn-root/l2cache/genstore"
	pr "github.com/unkn0wn-root/l2cache/provider"
	"github.com/unkn0wn-root/l2cache/provider/memory"
)

const employeeType EntityType = "Employee"

type employee struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

func empID(e employee) string { return strconv.Itoa(e.ID) }

// fakeDB stands in for the persistence layer behind fetch callbacks.
type fakeDB struct {
	mu    sync.Mutex
	rows  map[int]employee
	gets  atomic.Int64
	lists atomic.Int64
}

var errNoRow = errors.New("no such employee")

func newFakeDB(rows ...employee) *fakeDB {
	db := &fakeDB{rows: make(map[int]employee)}
	for _, r := range rows {
		db.rows[r.ID] = r
	}
	return db
}

func (db *fakeDB) insert(e employee) {
	db.mu.Lock()
	db.rows[e.ID] = e
	db.mu.Unlock()
}

func (db *fakeDB) get(id int) func(context.Context) (employee, error) {
	return func(context.Context) (employee, error) {
		db.gets.Add(1)
		db.mu.Lock()
		defer db.mu.Unlock()
		e, ok := db.rows[id]
		if !ok {
			return employee{}, errNoRow
		}
		return e, nil
	}
}

func (db *fakeDB) where(pred func(employee) bool) func(context.Context) ([]employee, error) {
	return func(context.Context) ([]employee, error) {
		db.lists.Add(1)
		db.mu.Lock()
		defer db.mu.Unlock()
		var out []employee
		for _, e := range db.rows {
			if pred(e) {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
}

func idAbove(min int) func(employee) bool { return func(e employee) bool { return e.ID > min } }

func seedDB() *fakeDB {
	return newFakeDB(
		employee{ID: 1, Name: "Martin", Address: "Prague 132"},
		employee{ID: 2, Name: "Peter", Address: "Ostrava"},
		employee{ID: 3, Name: "Tom", Address: "Brno"},
	)
}

func newTestManager(t *testing.T, optsOpt func(*Options)) *Manager {
	t.Helper()
	opts := Options{EntityTypes: []EntityType{employeeType}}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func mustRegister(t *testing.T, m *Manager) *Entities[employee] {
	t.Helper()
	emps, err := Register[employee](m, employeeType, c.JSON[employee]{}, empID)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return emps
}

func mustCounts(t *testing.T, m *Manager, region string) Counts {
	t.Helper()
	got, err := m.Counts(region)
	if err != nil {
		t.Fatalf("Counts(%q): %v", region, err)
	}
	return got
}

func wantCounts(t *testing.T, m *Manager, region string, want Counts) {
	t.Helper()
	if got := mustCounts(t, m, region); got != want {
		t.Fatalf("region %q: got %v want %v", region, got, want)
	}
}

func mustSize(t *testing.T, m *Manager, region string) int {
	t.Helper()
	n, err := m.Size(region)
	if err != nil {
		t.Fatalf("Size(%q): %v", region, err)
	}
	return n
}

func mustLoad(t *testing.T, emps *Entities[employee], db *fakeDB, id int) employee {
	t.Helper()
	e, err := emps.Load(context.Background(), strconv.Itoa(id), db.get(id))
	if err != nil {
		t.Fatalf("Load(%d): %v", id, err)
	}
	if e.ID != id {
		t.Fatalf("Load(%d) returned id %d", id, e.ID)
	}
	return e
}

func mustQuery(t *testing.T, emps *Entities[employee], q Query, fetch func(context.Context) ([]employee, error)) []employee {
	t.Helper()
	vs, err := emps.Query(context.Background(), q, fetch)
	if err != nil {
		t.Fatalf("Query(%q): %v", q.Text, err)
	}
	return vs
}

func aboveQuery(min int) Query {
	return Query{Text: "from Employee e where e.id > ?", Params: []any{min}}
}

// ==============================
// Entity region behavior
// ==============================

func TestDisabledCacheHasNoActivity(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.Disabled = true })
	emps := mustRegister(t, m)
	db := seedDB()

	if names := m.RegionNames(); len(names) != 0 {
		t.Fatalf("disabled cache exposes regions: %v", names)
	}
	for i := 0; i < 3; i++ {
		mustLoad(t, emps, db, 1)
		mustQuery(t, emps, aboveQuery(0), db.where(idAbove(0)))
	}
	if err := emps.Put(context.Background(), employee{ID: 9}); err != nil {
		t.Fatalf("Put on disabled cache: %v", err)
	}

	if tot := m.Statistics().Totals(); tot != (Counts{}) {
		t.Fatalf("disabled cache recorded activity: %v", tot)
	}
	if db.gets.Load() != 3 || db.lists.Load() != 3 {
		t.Fatalf("disabled cache must pass through: gets=%d lists=%d", db.gets.Load(), db.lists.Load())
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("disabled cache snapshot should be empty")
	}

	// unregistered types pass through too
	if _, ok, err := m.Get(context.Background(), "Department", "1"); ok || err != nil {
		t.Fatalf("disabled Get: ok=%v err=%v", ok, err)
	}
	if err := m.Put(context.Background(), "Department", "1", []byte("x")); err != nil {
		t.Fatalf("disabled Put: %v", err)
	}
}

func TestLoadingDistinctEntitiesPutsEach(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	for id := 1; id <= 3; id++ {
		mustLoad(t, emps, db, id)
	}
	wantCounts(t, m, "Employee", Counts{Puts: 3, Hits: 0, Misses: 3})
	if n := mustSize(t, m, "Employee"); n != 3 {
		t.Fatalf("expected 3 resident entities, got %d", n)
	}
}

func TestReloadByIDHits(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	first := mustLoad(t, emps, db, 2)
	second := mustLoad(t, emps, db, 2)

	if first != second {
		t.Fatalf("cached value differs: %+v vs %+v", first, second)
	}
	wantCounts(t, m, "Employee", Counts{Puts: 1, Hits: 1, Misses: 1})
	if db.gets.Load() != 1 {
		t.Fatalf("second load should not reach the store, gets=%d", db.gets.Load())
	}
}

func TestPutOverwritesWithoutHitOrMiss(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	if err := m.Put(ctx, employeeType, "1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, employeeType, "1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	wantCounts(t, m, "Employee", Counts{Puts: 2})
	if n := mustSize(t, m, "Employee"); n != 1 {
		t.Fatalf("overwrite must keep a single entry, size=%d", n)
	}

	got, ok, err := m.Get(ctx, employeeType, "1")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("Get got=%q ok=%v err=%v", got, ok, err)
	}
	// callers get copies
	got[0] = 'X'
	again, _, _ := m.Get(ctx, employeeType, "1")
	if string(again) != "v2" {
		t.Fatalf("cache shares memory with caller: %q", again)
	}
}

func TestEvictEntityRegionsEmptiesAndRepopulates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	for id := 1; id <= 3; id++ {
		mustLoad(t, emps, db, id)
	}
	if mustSize(t, m, "Employee") == 0 {
		t.Fatalf("expected entities stored in the cache")
	}
	m.ClearStatistics()

	if err := m.EvictEntityRegions(ctx); err != nil {
		t.Fatalf("EvictEntityRegions: %v", err)
	}
	if n := mustSize(t, m, "Employee"); n != 0 {
		t.Fatalf("expected no entities after evict, got %d", n)
	}
	if emps.Contains(ctx, "1") {
		t.Fatalf("evicted entity still visible")
	}

	mustLoad(t, emps, db, 1)
	wantCounts(t, m, "Employee", Counts{Puts: 1, Misses: 1})
}

func TestEvictEntityRegionsInvalidatesDependentQueries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(1)

	mustQuery(t, emps, q, db.where(idAbove(1)))
	if err := m.EvictEntityRegions(ctx); err != nil {
		t.Fatal(err)
	}
	mustQuery(t, emps, q, db.where(idAbove(1)))

	wantCounts(t, m, m.QueryRegionName(q), Counts{Puts: 2, Misses: 2})
}

func TestEvictSingleEntity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	mustLoad(t, emps, db, 1)
	mustLoad(t, emps, db, 2)
	if err := emps.Evict(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if emps.Contains(ctx, "1") || !emps.Contains(ctx, "2") {
		t.Fatalf("EvictEntity removed the wrong entries")
	}
	if n := mustSize(t, m, "Employee"); n != 1 {
		t.Fatalf("size=%d want 1", n)
	}
	// Contains must not count
	wantCounts(t, m, "Employee", Counts{Puts: 2, Misses: 2})
}

// ==============================
// Query region behavior
// ==============================

func TestSameQueryTwiceHits(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := Query{Text: "from Employee e where e.id=?", Params: []any{2}}
	region := m.QueryRegionName(q)

	first := mustQuery(t, emps, q, db.where(func(e employee) bool { return e.ID == 2 }))
	wantCounts(t, m, region, Counts{Puts: 1, Misses: 1})

	second := mustQuery(t, emps, q, db.where(func(e employee) bool { return e.ID == 2 }))
	wantCounts(t, m, region, Counts{Puts: 1, Hits: 1, Misses: 1})

	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("results differ: %v vs %v", first, second)
	}
	if db.lists.Load() != 1 {
		t.Fatalf("hit must not reach the store, lists=%d", db.lists.Load())
	}
}

func TestDifferentParamsAreDifferentEntries(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	a := mustQuery(t, emps, aboveQuery(1), db.where(idAbove(1)))
	b := mustQuery(t, emps, aboveQuery(2), db.where(idAbove(2)))
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("unexpected results a=%v b=%v", a, b)
	}
	// same shape, one region
	wantCounts(t, m, "from Employee e where e.id > ?", Counts{Puts: 2, Misses: 2})
	if n := mustSize(t, m, "from Employee e where e.id > ?"); n != 2 {
		t.Fatalf("expected 2 cached fingerprints, got %d", n)
	}
}

// Two queries sharing a storage fingerprint never see each other's keys.
func TestFingerprintCollisionIsAMiss(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	mustRegister(t, m)
	qa := Query{Text: "from Employee e where e.id > ?", Params: []any{1}, Types: []EntityType{employeeType}}
	qb := Query{Text: qa.Text, Params: []any{2}, Types: qa.Types}

	r, err := m.queryRegion("test", qa)
	if err != nil {
		t.Fatal(err)
	}
	_, identA, err := qa.identity()
	if err != nil {
		t.Fatal(err)
	}
	_, identB, err := qb.identity()
	if err != nil {
		t.Fatal(err)
	}

	const shared = "00000000deadbeef"
	keys := []Key{{Type: employeeType, ID: "2"}, {Type: employeeType, ID: "3"}}
	if ok, err := r.store(ctx, shared, identA, keys, 0); err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}
	if got, ok := r.lookup(ctx, shared, identB); ok {
		t.Fatalf("query served another query's keys: %v", got)
	}
	if got, ok := r.lookup(ctx, shared, identA); !ok || len(got) != 2 {
		t.Fatalf("owner lost its entry: %v ok=%v", got, ok)
	}
	wantCounts(t, m, r.name, Counts{Puts: 1, Hits: 1, Misses: 1})
}

type countingGens struct {
	*gen.LocalGenStore
	single, many atomic.Int64
}

func (g *countingGens) Snapshot(ctx context.Context, region string) (uint64, error) {
	g.single.Add(1)
	return g.LocalGenStore.Snapshot(ctx, region)
}

func (g *countingGens) SnapshotMany(ctx context.Context, regions []string) (map[string]uint64, error) {
	g.many.Add(1)
	return g.LocalGenStore.SnapshotMany(ctx, regions)
}

// A query hit validates the key list and every entity against one clock read,
// however many rows it returns.
func TestQueryHitReadsClocksOnce(t *testing.T) {
	gs := &countingGens{LocalGenStore: gen.NewLocalGenStore()}
	m := newTestManager(t, func(o *Options) { o.GenStore = gs })
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(0)

	mustQuery(t, emps, q, db.where(idAbove(0)))
	gs.single.Store(0)
	gs.many.Store(0)

	if got := mustQuery(t, emps, q, db.where(idAbove(0))); len(got) != 3 {
		t.Fatalf("hit returned %v", got)
	}
	if gs.many.Load() != 1 || gs.single.Load() != 0 {
		t.Fatalf("clock reads: many=%d single=%d, want one batched read", gs.many.Load(), gs.single.Load())
	}
	wantCounts(t, m, "Employee", Counts{Puts: 3, Hits: 3})
}

func TestMutationInvalidatesQuery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(1)
	region := m.QueryRegionName(q)
	run := func() []employee { return mustQuery(t, emps, q, db.where(idAbove(1))) }

	run()
	wantCounts(t, m, region, Counts{Puts: 1, Misses: 1})
	run()
	wantCounts(t, m, region, Counts{Puts: 1, Hits: 1, Misses: 1})

	newman := employee{ID: 4, Name: "Newman", Address: "Paul"}
	db.insert(newman)
	if err := emps.Put(ctx, newman); err != nil {
		t.Fatal(err)
	}
	if err := m.NotifyMutation(ctx, employeeType); err != nil {
		t.Fatal(err)
	}

	got := run()
	wantCounts(t, m, region, Counts{Puts: 2, Hits: 1, Misses: 2})
	if len(got) != 3 {
		t.Fatalf("invalidated query served stale result: %v", got)
	}
	run()
	wantCounts(t, m, region, Counts{Puts: 2, Hits: 2, Misses: 2})
}

// A query region left idle keeps its clock, so an entry stamped before the
// next mutation is stale after it.
func TestMutationAfterIdleRegionInvalidatesQuery(t *testing.T) {
	ctx := context.Background()
	gs := gen.NewLocalGenStore()
	m := newTestManager(t, func(o *Options) { o.GenStore = gs })
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(0)
	region := m.QueryRegionName(q)
	run := func() []employee { return mustQuery(t, emps, q, db.where(idAbove(0))) }

	run()
	if err := m.NotifyMutation(ctx, employeeType); err != nil {
		t.Fatal(err)
	}
	run()
	wantCounts(t, m, region, Counts{Puts: 2, Misses: 2})

	time.Sleep(10 * time.Millisecond)

	db.insert(employee{ID: 9, Name: "Late", Address: "Zlin"})
	if err := m.NotifyMutation(ctx, employeeType); err != nil {
		t.Fatal(err)
	}
	if got := run(); len(got) != 4 {
		t.Fatalf("stale result after mutation: %d rows (db has 4)", len(got))
	}
	wantCounts(t, m, region, Counts{Puts: 3, Misses: 3})
	if g, _ := gs.Snapshot(ctx, "query:"+region); g != 2 {
		t.Fatalf("query clock went backwards: %d", g)
	}
}

func TestEvictQueryRegionsForcesNewPut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(2)
	region := m.QueryRegionName(q)

	mustQuery(t, emps, q, db.where(idAbove(2)))
	mustQuery(t, emps, q, db.where(idAbove(2)))
	wantCounts(t, m, region, Counts{Puts: 1, Hits: 1, Misses: 1})

	if err := m.EvictQueryRegions(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mustSize(t, m, region); n != 0 {
		t.Fatalf("query region not emptied, size=%d", n)
	}
	mustQuery(t, emps, q, db.where(idAbove(2)))
	wantCounts(t, m, region, Counts{Puts: 2, Hits: 1, Misses: 2})

	// entity region untouched
	if n := mustSize(t, m, "Employee"); n != 1 {
		t.Fatalf("query eviction touched entities, size=%d", n)
	}
}

func TestEvictSingleQueryRegion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	qa, qb := aboveQuery(1), Query{Text: "from Employee e where e.name = ?", Params: []any{"Tom"}}

	mustQuery(t, emps, qa, db.where(idAbove(1)))
	mustQuery(t, emps, qb, db.where(func(e employee) bool { return e.Name == "Tom" }))

	if err := m.EvictQueryRegion(ctx, m.QueryRegionName(qa)); err != nil {
		t.Fatal(err)
	}
	if mustSize(t, m, m.QueryRegionName(qa)) != 0 || mustSize(t, m, m.QueryRegionName(qb)) != 1 {
		t.Fatalf("EvictQueryRegion touched the wrong region")
	}
	if err := m.EvictQueryRegion(ctx, "nope"); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("expected ErrRegionNotFound, got %v", err)
	}
}

func TestQueryHitWithEvictedEntityFallsBackToFetch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(1)
	region := m.QueryRegionName(q)

	mustQuery(t, emps, q, db.where(idAbove(1)))
	if err := emps.Evict(ctx, "3"); err != nil {
		t.Fatal(err)
	}

	got := mustQuery(t, emps, q, db.where(idAbove(1)))
	if len(got) != 2 {
		t.Fatalf("fallback returned %v", got)
	}
	if db.lists.Load() != 2 {
		t.Fatalf("expected fallback fetch, lists=%d", db.lists.Load())
	}
	wantCounts(t, m, region, Counts{Puts: 2, Hits: 1, Misses: 1})
	if !emps.Contains(ctx, "3") {
		t.Fatalf("fallback did not re-cache the evicted entity")
	}
}

func TestLoadAllCachesEachEntityAndKeyList(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	all := db.where(func(employee) bool { return true })

	got, err := emps.LoadAll(context.Background(), all)
	if err != nil || len(got) != 3 {
		t.Fatalf("LoadAll got=%v err=%v", got, err)
	}
	if n := mustSize(t, m, "Employee"); n != 3 {
		t.Fatalf("expected 3 entities in region, got %d", n)
	}
	if _, err := emps.LoadAll(context.Background(), all); err != nil {
		t.Fatal(err)
	}
	wantCounts(t, m, "from Employee", Counts{Puts: 1, Hits: 1, Misses: 1})

	// entity loaded by id after LoadAll comes from the cache
	mustLoad(t, emps, db, 2)
	if db.gets.Load() != 0 {
		t.Fatalf("expected hit after LoadAll, gets=%d", db.gets.Load())
	}
}

func TestMultiTypeQueryInvalidatedByEitherType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(o *Options) { o.EntityTypes = append(o.EntityTypes, "Department") })
	emps := mustRegister(t, m)
	db := seedDB()

	joined := Query{Text: "select e from Employee e join e.department d where d.name = ?", Params: []any{"R&D"}, Types: []EntityType{"Department"}}
	plain := aboveQuery(0)
	runJoined := func() { mustQuery(t, emps, joined, db.where(idAbove(1))) }
	runPlain := func() { mustQuery(t, emps, plain, db.where(idAbove(0))) }

	runJoined()
	runPlain()
	if err := m.NotifyMutation(ctx, "Department"); err != nil {
		t.Fatal(err)
	}
	runJoined()
	runPlain()

	wantCounts(t, m, m.QueryRegionName(joined), Counts{Puts: 2, Misses: 2})
	wantCounts(t, m, m.QueryRegionName(plain), Counts{Puts: 1, Hits: 1, Misses: 1})
}

func TestQueryCacheDisabledStillCachesEntities(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.DisableQueryCache = true })
	emps := mustRegister(t, m)
	db := seedDB()

	mustQuery(t, emps, aboveQuery(0), db.where(idAbove(0)))
	mustQuery(t, emps, aboveQuery(0), db.where(idAbove(0)))

	if db.lists.Load() != 2 {
		t.Fatalf("query cache disabled but query served from cache")
	}
	if names := m.RegionNames(); len(names) != 1 || names[0] != "Employee" {
		t.Fatalf("unexpected regions %v", names)
	}
	if n := mustSize(t, m, "Employee"); n != 3 {
		t.Fatalf("entities not cached, size=%d", n)
	}
}

// ==============================
// CAS around fetches
// ==============================

func TestEntityEvictedDuringFetchIsNotCached(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)

	got, err := emps.Load(ctx, "1", func(ctx context.Context) (employee, error) {
		if err := m.EvictEntityRegions(ctx); err != nil {
			t.Errorf("evict: %v", err)
		}
		return employee{ID: 1, Name: "old"}, nil
	})
	if err != nil || got.Name != "old" {
		t.Fatalf("Load got=%v err=%v", got, err)
	}
	if emps.Contains(ctx, "1") {
		t.Fatalf("value fetched across an eviction was cached")
	}
	wantCounts(t, m, "Employee", Counts{Misses: 1})
}

func TestQueryInvalidatedDuringFetchIsNotCached(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	q := aboveQuery(1)

	// first run creates the region so the mutation has something to invalidate
	mustQuery(t, emps, q, db.where(idAbove(1)))
	if err := m.EvictQueryRegions(ctx); err != nil {
		t.Fatal(err)
	}
	m.ClearStatistics()

	inner := db.where(idAbove(1))
	mustQuery(t, emps, q, func(ctx context.Context) ([]employee, error) {
		if err := m.NotifyMutation(ctx, employeeType); err != nil {
			t.Errorf("notify: %v", err)
		}
		return inner(ctx)
	})
	wantCounts(t, m, m.QueryRegionName(q), Counts{Misses: 1})

	mustQuery(t, emps, q, db.where(idAbove(1)))
	wantCounts(t, m, m.QueryRegionName(q), Counts{Puts: 1, Misses: 2})
}

// ==============================
// Errors
// ==============================

func TestRegionNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, _, err := m.Get(ctx, "Nope", "1")
	if !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("Get: expected ErrRegionNotFound, got %v", err)
	}
	var re *RegionError
	if !errors.As(err, &re) || re.Op != "get" || re.Region != "Nope" {
		t.Fatalf("expected RegionError{get, Nope}, got %#v", err)
	}
	if err := m.Put(ctx, "Nope", "1", nil); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("Put: expected ErrRegionNotFound, got %v", err)
	}
	if _, err := m.Counts("Nope"); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("Counts: expected ErrRegionNotFound, got %v", err)
	}
	if _, err := m.Size("Nope"); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("Size: expected ErrRegionNotFound, got %v", err)
	}
	q := Query{Text: "from Nope", Types: []EntityType{"Nope"}}
	if _, _, err := m.LookupQuery(ctx, q); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("LookupQuery: expected ErrRegionNotFound, got %v", err)
	}
	if err := m.EvictEntityRegion(ctx, "Nope"); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("EvictEntityRegion: expected ErrRegionNotFound, got %v", err)
	}
}

func TestFetchErrorPropagatesWithoutPut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	errBoom := errors.New("boom")

	if _, err := emps.Load(ctx, "1", func(context.Context) (employee, error) { return employee{}, errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("Load: expected errBoom, got %v", err)
	}
	q := aboveQuery(0)
	if _, err := emps.Query(ctx, q, func(context.Context) ([]employee, error) { return nil, errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("Query: expected errBoom, got %v", err)
	}

	wantCounts(t, m, "Employee", Counts{Misses: 1})
	wantCounts(t, m, m.QueryRegionName(q), Counts{Misses: 1})
	if mustSize(t, m, "Employee") != 0 || mustSize(t, m, m.QueryRegionName(q)) != 0 {
		t.Fatalf("failed fetch left entries behind")
	}
}

func TestUnsupportedQueryParam(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	q := Query{Text: "from Employee e where e.ch = ?", Params: []any{make(chan int)}}
	_, err := emps.Query(context.Background(), q, func(context.Context) ([]employee, error) { return nil, nil })
	if !errors.Is(err, ErrUnsupportedParam) {
		t.Fatalf("expected ErrUnsupportedParam, got %v", err)
	}
}

func TestRegionNameConflict(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	q := Query{Text: "from Employee", Region: "Employee"}
	_, err := emps.Query(context.Background(), q, func(context.Context) ([]employee, error) { return nil, nil })
	if !errors.Is(err, ErrRegionConflict) {
		t.Fatalf("expected ErrRegionConflict, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := Register[employee](m, "", c.JSON[employee]{}, empID); err == nil {
		t.Fatalf("expected error for empty type")
	}
	if _, err := Register[employee](m, employeeType, nil, empID); err == nil {
		t.Fatalf("expected error for nil codec")
	}
	if _, err := Register[employee](m, employeeType, c.JSON[employee]{}, nil); err == nil {
		t.Fatalf("expected error for nil id func")
	}
	a := mustRegister(t, m)
	b := mustRegister(t, m)
	if a.Region() != b.Region() || len(m.RegionNames()) != 1 {
		t.Fatalf("double registration created a second region")
	}
}

// ==============================
// Self-heal and degraded backends
// ==============================

type recHooks struct {
	NopHooks
	mu     sync.Mutex
	events []string
}

func (h *recHooks) add(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recHooks) has(ev string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (h *recHooks) SelfHeal(_, _, reason string)         { h.add("selfheal:" + reason) }
func (h *recHooks) ProviderSetRejected(_, _ string)      { h.add("rejected") }
func (h *recHooks) GenSnapshotError(string, error)       { h.add("snapshot_error") }
func (h *recHooks) GenBumpError(string, error)           { h.add("bump_error") }
func (h *recHooks) RegionInvalidated(r string, _ uint64) { h.add("invalidated:" + r) }
func (h *recHooks) RegionEvicted(r string, _ int)        { h.add("evicted:" + r) }

func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	mp := memory.New()
	hooks := &recHooks{}
	m := newTestManager(t, func(o *Options) { o.Provider = mp; o.Hooks = hooks })
	emps := mustRegister(t, m)
	db := seedDB()

	if _, err := mp.Set(ctx, "entity:Employee:1", []byte("not-wire-format"), 1, 0); err != nil {
		t.Fatal(err)
	}
	mustLoad(t, emps, db, 1)
	if !hooks.has("selfheal:corrupt") {
		t.Fatalf("corrupt entry not reported, events=%v", hooks.events)
	}
	mustLoad(t, emps, db, 1)
	wantCounts(t, m, "Employee", Counts{Puts: 1, Hits: 1, Misses: 1})
}

func TestUndecodableSnapshotIsRefetched(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	m := newTestManager(t, func(o *Options) { o.Hooks = hooks })
	emps := mustRegister(t, m)
	db := seedDB()

	// valid frame, invalid JSON
	if err := m.Put(ctx, employeeType, "1", []byte("{")); err != nil {
		t.Fatal(err)
	}
	got := mustLoad(t, emps, db, 1)
	if got.Name != "Martin" {
		t.Fatalf("got %+v", got)
	}
	if !hooks.has("selfheal:decode") || db.gets.Load() != 1 {
		t.Fatalf("undecodable snapshot not healed, events=%v gets=%d", hooks.events, db.gets.Load())
	}
}

type rejectingProvider struct{ *memory.Provider }

func (rejectingProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, nil
}

var _ pr.Provider = rejectingProvider{}

func TestProviderRejectionIsALaterMiss(t *testing.T) {
	hooks := &recHooks{}
	m := newTestManager(t, func(o *Options) {
		o.Provider = rejectingProvider{memory.New()}
		o.Hooks = hooks
	})
	emps := mustRegister(t, m)
	db := seedDB()

	mustLoad(t, emps, db, 1)
	mustLoad(t, emps, db, 1)
	wantCounts(t, m, "Employee", Counts{Misses: 2})
	if !hooks.has("rejected") || db.gets.Load() != 2 {
		t.Fatalf("rejection not handled, events=%v gets=%d", hooks.events, db.gets.Load())
	}
}

type brokenGens struct{}

var errGens = errors.New("gens down")

func (brokenGens) Snapshot(context.Context, string) (uint64, error) { return 0, errGens }
func (brokenGens) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, errGens
}
func (brokenGens) Bump(context.Context, string) (uint64, error) { return 0, errGens }
func (brokenGens) Close(context.Context) error                  { return nil }

func TestGenStoreOutageDegradesToPassThrough(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	m := newTestManager(t, func(o *Options) { o.GenStore = brokenGens{}; o.Hooks = hooks })
	emps := mustRegister(t, m)
	db := seedDB()

	mustLoad(t, emps, db, 1)
	mustLoad(t, emps, db, 1)
	if db.gets.Load() != 2 {
		t.Fatalf("expected pass-through, gets=%d", db.gets.Load())
	}
	wantCounts(t, m, "Employee", Counts{Misses: 2})
	if !hooks.has("snapshot_error") {
		t.Fatalf("snapshot error not reported")
	}

	err := m.EvictEntityRegions(ctx)
	var ee *EvictError
	if !errors.As(err, &ee) || !errors.Is(err, errGens) {
		t.Fatalf("expected EvictError wrapping errGens, got %v", err)
	}
	if n := mustSize(t, m, "Employee"); n != 0 {
		t.Fatalf("local entries must be dropped even when the bump fails, size=%d", n)
	}
}

// ==============================
// Configuration & lifecycle
// ==============================

func TestConfigureToggle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	mustLoad(t, emps, db, 1)
	m.Configure(ctx, false, true)
	if len(m.RegionNames()) != 0 || m.Enabled() {
		t.Fatalf("disabled manager still reports regions")
	}
	before := mustCounts(t, m, "Employee")
	mustLoad(t, emps, db, 1)
	if after := mustCounts(t, m, "Employee"); after != before {
		t.Fatalf("disabled cache touched statistics: %v -> %v", before, after)
	}

	m.Configure(ctx, true, true)
	if n := mustSize(t, m, "Employee"); n != 0 {
		t.Fatalf("re-enabling must evict, size=%d", n)
	}
	if names := m.RegionNames(); len(names) != 1 {
		t.Fatalf("regions not back after enabling: %v", names)
	}
	if !m.QueryCacheEnabled() {
		t.Fatalf("query cache should be enabled")
	}
	m.Configure(ctx, true, false)
	if m.QueryCacheEnabled() {
		t.Fatalf("query cache should be disabled")
	}
}

func TestRegionPrefix(t *testing.T) {
	const prefix = "jpa_Hibernate2LCTestCase.jar#mypc.model."
	m := newTestManager(t, func(o *Options) { o.RegionPrefix = prefix })
	emps := mustRegister(t, m)
	mustLoad(t, emps, seedDB(), 1)

	if emps.Region() != prefix+"Employee" {
		t.Fatalf("region=%q", emps.Region())
	}
	wantCounts(t, m, prefix+"Employee", Counts{Puts: 1, Misses: 1})
}

func TestSnapshotDescribesRegions(t *testing.T) {
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()
	mustLoad(t, emps, db, 1)
	mustQuery(t, emps, aboveQuery(1), db.where(idAbove(1)))

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 regions, got %+v", snap)
	}
	// sorted by name: "Employee" < "from ..."
	if snap[0].Name != "Employee" || snap[0].Kind != EntityRegion || snap[0].Elements != 3 {
		t.Fatalf("entity region stats: %+v", snap[0])
	}
	if snap[1].Kind != QueryRegion || snap[1].Elements != 1 || snap[1].Counts.Puts != 1 {
		t.Fatalf("query region stats: %+v", snap[1])
	}
}

func TestCloseDisablesManager(t *testing.T) {
	m, err := New(Options{EntityTypes: []EntityType{employeeType}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if m.Enabled() {
		t.Fatalf("closed manager reports enabled")
	}
}

// ==============================
// Worked example
// ==============================

func TestEmployeeScenario(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	emps := mustRegister(t, m)
	db := seedDB()

	mustLoad(t, emps, db, 1)
	wantCounts(t, m, "Employee", Counts{Puts: 1, Misses: 1})
	mustLoad(t, emps, db, 1)
	wantCounts(t, m, "Employee", Counts{Puts: 1, Hits: 1, Misses: 1})

	if err := m.NotifyMutation(ctx, employeeType); err != nil {
		t.Fatal(err)
	}

	q := Query{Text: "from Employee where id>1"}
	region := m.QueryRegionName(q)
	run := func() { mustQuery(t, emps, q, db.where(idAbove(1))) }

	run()
	wantCounts(t, m, region, Counts{Puts: 1, Misses: 1})
	run()
	wantCounts(t, m, region, Counts{Puts: 1, Hits: 1, Misses: 1})

	if err := m.NotifyMutation(ctx, employeeType); err != nil {
		t.Fatal(err)
	}
	run()
	wantCounts(t, m, region, Counts{Puts: 2, Hits: 1, Misses: 2})
}

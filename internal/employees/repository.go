package employees

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/unkn0wn-root/l2cache"
	"github.com/unkn0wn-root/l2cache/codec"
)

const Type l2cache.EntityType = "Employee"

// Cached query shapes. Each text is its own query region.
const (
	QueryByID    = "from Employee e where e.id = ?"
	QueryIDAbove = "from Employee e where e.id > ?"
	QueryAll     = "from Employee"
)

// Repository reads employees through the cache and writes through to the
// store, keeping both in step.
type Repository struct {
	store *Store
	m     *l2cache.Manager
	cache *l2cache.Entities[Employee]
}

func NewRepository(m *l2cache.Manager, store *Store, c codec.Codec[Employee]) (*Repository, error) {
	if c == nil {
		c = codec.Msgpack[Employee]{}
	}
	cache, err := l2cache.Register[Employee](m, Type, c, func(e Employee) string { return strconv.Itoa(e.ID) })
	if err != nil {
		return nil, fmt.Errorf("register employee region: %w", err)
	}
	return &Repository{store: store, m: m, cache: cache}, nil
}

// Region is the entity region name of employees.
func (r *Repository) Region() string { return r.cache.Region() }

// Create inserts e, caches it and invalidates employee queries. Once the
// insert commits, queries are invalidated even if caching e fails; that
// failure is reported wrapped in ErrNotCached.
func (r *Repository) Create(ctx context.Context, e Employee) error {
	if err := r.store.Insert(ctx, e); err != nil {
		return err
	}
	var errs []error
	if err := r.cache.Put(ctx, e); err != nil {
		errs = append(errs, fmt.Errorf("cache employee %d: %w: %w", e.ID, ErrNotCached, err))
	}
	if err := r.m.NotifyMutation(ctx, Type); err != nil {
		errs = append(errs, fmt.Errorf("invalidate employee queries: %w", err))
	}
	return errors.Join(errs...)
}

// Get loads one employee by primary key.
func (r *Repository) Get(ctx context.Context, id int) (Employee, error) {
	return r.cache.Load(ctx, strconv.Itoa(id), func(ctx context.Context) (Employee, error) {
		return r.store.Get(ctx, id)
	})
}

// FindByID is Get run as a cacheable query.
func (r *Repository) FindByID(ctx context.Context, id int) (Employee, error) {
	q := l2cache.Query{Text: QueryByID, Params: []any{id}}
	vs, err := r.cache.Query(ctx, q, func(ctx context.Context) ([]Employee, error) {
		e, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return []Employee{e}, nil
	})
	if err != nil {
		return Employee{}, err
	}
	if len(vs) != 1 {
		return Employee{}, fmt.Errorf("find employee %d: %d rows: %w", id, len(vs), ErrNotFound)
	}
	return vs[0], nil
}

func (r *Repository) All(ctx context.Context) ([]Employee, error) {
	return r.cache.LoadAll(ctx, r.store.All)
}

func (r *Repository) WithIDAbove(ctx context.Context, min int) ([]Employee, error) {
	q := l2cache.Query{Text: QueryIDAbove, Params: []any{min}}
	return r.cache.Query(ctx, q, func(ctx context.Context) ([]Employee, error) {
		return r.store.WithIDAbove(ctx, min)
	})
}

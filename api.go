package l2cache

import (
	"fmt"
	"time"

	gen "github.com/unkn0wn-root/l2cache/genstore"
	"github.com/unkn0wn-root/l2cache/internal/util"
	pr "github.com/unkn0wn-root/l2cache/provider"
)

// EntityType identifies an entity kind, e.g. "Employee". Each registered type
// owns exactly one entity region.
type EntityType string

// Key identifies one cached entity.
type Key struct {
	Type EntityType
	ID   string
}

func (k Key) String() string { return string(k.Type) + "#" + k.ID }

// Query describes a cacheable query. Text plus the ordered Params and Limit
// form the fingerprint; Text alone (or Region, when set) names the query region.
type Query struct {
	Text   string
	Params []any
	Limit  int

	// Types lists every entity type the query reads. The first one is the
	// result type. A mutation of any of them invalidates the query region.
	Types []EntityType

	// Region overrides the region name. Queries sharing a region share
	// invalidation and statistics.
	Region string
}

// Fingerprint returns the 16 hex char hash of q's canonical identity.
func (q Query) Fingerprint() (string, error) {
	fp, _, err := q.identity()
	return fp, err
}

// identity returns the storage fingerprint and the canonical bytes that
// cached entries are matched against.
func (q Query) identity() (string, []byte, error) {
	canon, err := util.Canonical(q.Text, q.Params, q.Limit)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedParam, err)
	}
	return util.Hash(canon), canon, nil
}

// AllQuery is the canonical "every entity of typ" query used by LoadAll.
func AllQuery(typ EntityType) Query {
	return Query{Text: "from " + string(typ), Types: []EntityType{typ}}
}

type SetCostFunc func(key string, raw []byte, isQuery bool) int64

// Options tune the Manager. The zero value is a usable, enabled, in-memory cache.
type Options struct {
	Provider pr.Provider  // nil => in-memory provider
	GenStore gen.GenStore // nil => LocalGenStore

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	Disabled          bool // default false (enabled)
	DisableQueryCache bool // default false (query cache on)

	// RegionPrefix is prepended to entity region names, e.g. "app.jar#unit.model.".
	RegionPrefix string

	EntityTTL      time.Duration // 0 => no expiry
	QueryTTL       time.Duration // 0 => no expiry
	ComputeSetCost SetCostFunc   // default 1 per entry

	// EntityTypes registers entity regions up front. Register also adds them.
	EntityTypes []EntityType
}

func New(opts Options) (*Manager, error) {
	return newManager(opts)
}

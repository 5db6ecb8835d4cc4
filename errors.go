package l2cache

import (
	"errors"
	"fmt"
)

var (
	// ErrRegionNotFound: the addressed region was never registered.
	ErrRegionNotFound = errors.New("l2cache: region not found")

	// ErrRegionConflict: a query region name collides with an entity region name.
	ErrRegionConflict = errors.New("l2cache: region name already used by another region kind")

	// ErrUnsupportedParam: a query parameter has no canonical encoding.
	ErrUnsupportedParam = errors.New("l2cache: unsupported query parameter")
)

// RegionError carries the region and operation of a failed call.
type RegionError struct {
	Region string
	Op     string
	Err    error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Region, e.Err)
}

func (e *RegionError) Unwrap() error { return e.Err }

func regionErr(op, region string, err error) error {
	return &RegionError{Region: region, Op: op, Err: err}
}

// EvictError reports regions whose generation could not be bumped during a
// bulk eviction or invalidation. Their entries were still dropped locally.
type EvictError struct {
	Regions []string
	Errs    []error
}

func (e *EvictError) Error() string {
	return fmt.Sprintf("l2cache: generation bump failed for %d region(s): %v", len(e.Regions), errors.Join(e.Errs...))
}

func (e *EvictError) Unwrap() []error { return e.Errs }

package l2cache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// RegionKind tells entity regions from query regions.
type RegionKind uint8

const (
	EntityRegion RegionKind = iota + 1
	QueryRegion
)

func (k RegionKind) String() string {
	switch k {
	case EntityRegion:
		return "entity"
	case QueryRegion:
		return "query"
	default:
		return "unknown"
	}
}

// Counts is a point-in-time copy of a region's counters.
type Counts struct {
	Puts   uint64 `json:"puts"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// HitRatio is Hits / (Hits + Misses), 0 when nothing was read.
func (c Counts) HitRatio() float64 {
	reads := c.Hits + c.Misses
	if reads == 0 {
		return 0
	}
	return float64(c.Hits) / float64(reads)
}

func (c Counts) add(o Counts) Counts {
	return Counts{Puts: c.Puts + o.Puts, Hits: c.Hits + o.Hits, Misses: c.Misses + o.Misses}
}

// String renders counts the way assertion messages print them.
func (c Counts) String() string {
	return fmt.Sprintf("(hitCount=%d, missCount=%d, putCount=%d).", c.Hits, c.Misses, c.Puts)
}

// RegionStats describes one region for monitoring.
type RegionStats struct {
	Name     string     `json:"name"`
	Kind     RegionKind `json:"kind"`
	Counts   Counts     `json:"counts"`
	Elements int        `json:"elements"`
}

type counters struct {
	kind   RegionKind
	puts   atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *counters) put()  { c.puts.Add(1) }
func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) load() Counts {
	return Counts{Puts: c.puts.Load(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *counters) reset() {
	c.puts.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
}

// Statistics holds per-region put/hit/miss counters. Counters are atomic;
// the region map lock is only taken to add regions or enumerate them.
type Statistics struct {
	enabled *atomic.Bool

	mu      sync.RWMutex
	regions map[string]*counters
}

func newStatistics(enabled *atomic.Bool) *Statistics {
	return &Statistics{enabled: enabled, regions: make(map[string]*counters)}
}

// register returns the counters of name, creating them on first use.
func (s *Statistics) register(name string, kind RegionKind) *counters {
	s.mu.RLock()
	c, ok := s.regions[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.regions[name]; ok {
		return c
	}
	c = &counters{kind: kind}
	s.regions[name] = c
	return c
}

func (s *Statistics) lookup(name string) (*counters, bool) {
	s.mu.RLock()
	c, ok := s.regions[name]
	s.mu.RUnlock()
	return c, ok
}

// Counts returns the counters of one region.
func (s *Statistics) Counts(region string) (Counts, error) {
	c, ok := s.lookup(region)
	if !ok {
		return Counts{}, regionErr("counts", region, ErrRegionNotFound)
	}
	return c.load(), nil
}

// Totals sums every region of the given kinds (all kinds when none given).
func (s *Statistics) Totals(kinds ...RegionKind) Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total Counts
	for _, c := range s.regions {
		if len(kinds) > 0 && !hasKind(kinds, c.kind) {
			continue
		}
		total = total.add(c.load())
	}
	return total
}

func hasKind(kinds []RegionKind, k RegionKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// RegionNames lists active regions, sorted. Empty while caching is disabled.
func (s *Statistics) RegionNames() []string {
	if !s.enabled.Load() {
		return nil
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Clear zeroes every counter. Cached data is untouched.
func (s *Statistics) Clear() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.regions {
		c.reset()
	}
}

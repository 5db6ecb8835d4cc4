// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := l2cache.New(l2cache.Options{
//	    EntityTypes: []l2cache.EntityType{"Employee"},
//	    Hooks:       hooks, // or raw if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/l2cache"
)

// Hooks forwards events to inner on worker goroutines. Events are dropped
// when the queue is full.
type Hooks struct {
	inner   l2cache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ l2cache.Hooks = (*Hooks)(nil)

func New(inner l2cache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue. Events sent after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	defer func() {
		// send on closed queue
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(r, k, reason string) { h.try(func() { h.inner.SelfHeal(r, k, reason) }) }
func (h *Hooks) ProviderSetRejected(r, k string) {
	h.try(func() { h.inner.ProviderSetRejected(r, k) })
}
func (h *Hooks) GenSnapshotError(r string, err error) {
	h.try(func() { h.inner.GenSnapshotError(r, err) })
}
func (h *Hooks) GenBumpError(r string, err error) { h.try(func() { h.inner.GenBumpError(r, err) }) }
func (h *Hooks) RegionInvalidated(r string, g uint64) {
	h.try(func() { h.inner.RegionInvalidated(r, g) })
}
func (h *Hooks) RegionEvicted(r string, n int) { h.try(func() { h.inner.RegionEvicted(r, n) }) }

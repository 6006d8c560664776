// Package epoch implements the epoch-based safe memory reclamation
// scheme the tree uses instead of reference counting or a GC-friendly
// "never free" policy (§4.2 of the design).
//
// A process-wide counter advances in discrete steps. A goroutine that is
// about to walk the tree acquires a Guard, which publishes the epoch it
// observed into a shared registry; it must Release the guard once it is
// done touching any node reachable from that walk. A writer that unlinks
// a node calls Retire instead of freeing it immediately, appending it to
// the current epoch's retire bag. tryAdvance (called opportunistically by
// Retire and by Guard.Release) advances the epoch once every active guard
// has observed the current one, then frees bags that are now at least Lag
// epochs behind — by which point no guard still references them.
//
// The guard registry is the single hottest map in the whole library
// (every tree operation acquires exactly one guard), so it is backed by
// puzpuzpuz/xsync's lock-free MapOf rather than a mutex-guarded map,
// following the concurrent-map usage in the wider example corpus.
package epoch

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
)

// Lag is how many epochs a retire bag must trail the current epoch before
// it is freed. Since the epoch only advances once every active guard has
// observed the current one, a guard trails by at most one epoch. 2 is the conventional
// choice for this scheme: it tolerates one in-flight advance without
// forcing every reader to restart.
const Lag = 2

// Domain owns one epoch counter, its guard registry, and its retire
// bags. A Tree embeds exactly one Domain.
type Domain struct {
	current  atomic.Uint64
	registry *xsync.MapOf[*token, uint64]

	bagsMu sync.Mutex
	bags   map[uint64][]retired
}

type token struct{}

type retired struct {
	ptr     unsafe.Pointer
	destroy func(unsafe.Pointer)
}

// NewDomain returns a Domain with its epoch counter at 0.
func NewDomain() *Domain {
	return &Domain{
		registry: xsync.NewMapOf[*token, uint64](),
		bags:     make(map[uint64][]retired),
	}
}

// Guard is a single goroutine's claim on the current epoch. It must be
// released exactly once, ideally via defer immediately after Acquire.
type Guard struct {
	d     *Domain
	tok   *token
	epoch uint64
}

// Acquire publishes the current epoch under a fresh token and returns a
// Guard the caller must Release when it stops touching tree nodes.
func (d *Domain) Acquire() *Guard {
	e := d.current.Load()
	tok := &token{}
	d.registry.Store(tok, e)
	return &Guard{d: d, tok: tok, epoch: e}
}

// Epoch returns the epoch this guard observed at acquire time.
func (g *Guard) Epoch() uint64 { return g.epoch }

// Release retires this guard's claim on its epoch. The caller must not
// touch any previously-observed node pointer afterward. Tokens are
// per-acquire, never reused, so the registry entry is deleted outright
// rather than overwritten with a sentinel — otherwise the map would grow
// by one dead entry per guard for the life of the process. Release then
// opportunistically tries to advance the epoch and reclaim old bags, as
// Retire does.
func (g *Guard) Release() {
	g.d.registry.Delete(g.tok)
	g.d.tryAdvance()
}

// Retire schedules ptr for reclamation via destroy once every active
// guard has moved past the current epoch by at least Lag steps. It also
// opportunistically attempts to advance the epoch and reclaim old bags,
// so no separate background goroutine is required.
func (d *Domain) Retire(ptr unsafe.Pointer, destroy func(unsafe.Pointer)) {
	e := d.current.Load()
	d.bagsMu.Lock()
	d.bags[e] = append(d.bags[e], retired{ptr: ptr, destroy: destroy})
	d.bagsMu.Unlock()

	d.tryAdvance()
}

// tryAdvance bumps the epoch if every active guard has observed the
// current one (none is still on an older epoch), then frees any bag at
// least Lag epochs behind the new current. It is safe to call concurrently and safe to call and find
// there is nothing to do.
func (d *Domain) tryAdvance() {
	current := d.current.Load()
	minActive, sawActive := d.minActiveEpoch()
	if sawActive && minActive < current {
		// Some guard is still on an older epoch; advancing now would
		// let its snapshot go stale without the Lag cushion.
		return
	}
	if !d.current.CompareAndSwap(current, current+1) {
		return
	}
	d.reclaimBefore(current + 1)
}

func (d *Domain) minActiveEpoch() (min uint64, sawActive bool) {
	d.registry.Range(func(_ *token, e uint64) bool {
		if !sawActive || e < min {
			min = e
			sawActive = true
		}
		return true
	})
	return min, sawActive
}

// reclaimBefore frees every retire bag at or before newCurrent-Lag.
func (d *Domain) reclaimBefore(newCurrent uint64) {
	if newCurrent < Lag {
		return
	}
	cutoff := newCurrent - Lag

	d.bagsMu.Lock()
	var toFree []retired
	for e, bag := range d.bags {
		if e <= cutoff {
			toFree = append(toFree, bag...)
			delete(d.bags, e)
		}
	}
	d.bagsMu.Unlock()

	for _, r := range toFree {
		r.destroy(r.ptr)
	}
}

// Quiesce forces every pending retire bag to be freed regardless of
// guard state. It is meant for tests, where the caller guarantees no
// concurrent access remains.
func (d *Domain) Quiesce() {
	d.bagsMu.Lock()
	var toFree []retired
	for e, bag := range d.bags {
		toFree = append(toFree, bag...)
		delete(d.bags, e)
	}
	d.bagsMu.Unlock()
	for _, r := range toFree {
		r.destroy(r.ptr)
	}
}

// CurrentEpoch returns the domain's current epoch counter, for metrics
// and tests that want to observe advances without reaching into the
// registry directly.
func (d *Domain) CurrentEpoch() uint64 {
	return d.current.Load()
}

// PendingCount reports how many retired-but-not-yet-freed pointers the
// domain currently holds, for metrics and tests.
func (d *Domain) PendingCount() int {
	d.bagsMu.Lock()
	defer d.bagsMu.Unlock()
	n := 0
	for _, bag := range d.bags {
		n += len(bag)
	}
	return n
}

package bptree

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/Spear-Neil/IndexResearch/internal/control"
	"github.com/Spear-Neil/IndexResearch/internal/simd"
	"github.com/Spear-Neil/IndexResearch/keycodec"
)

// pair is the owned key/value record a leaf slot points at. Lookups
// return a borrow of one (valid until the caller's epoch guard drops);
// updates atomically swap the slot's pointer to a new pair; removed
// pairs are handed to the epoch domain for retirement.
type pair[K, V any] struct {
	key K
	enc []byte
	val V
}

// leafNode holds up to kNodeSize key/value pairs unordered, with a
// presence bitmap and a 1-byte fingerprint per slot for fast candidate
// filtering. Only the slot pointers are individually atomic — per
// §4.1's memory model, the control word's version field is the
// synchronization edge for the other fields (bitmap, tags, highKey);
// optimistic readers re-validate the version after reading them instead
// of paying for a per-field atomic.
type leafNode[K, V any] struct {
	ctl     uint64
	bitmap  uint64
	tags    [kNodeSize]byte
	slots   [kNodeSize]atomic.Pointer[pair[K, V]]
	highKey []byte
	next    unsafe.Pointer
	retired bool
}

func newLeafNode[K, V any]() *leafNode[K, V] {
	n := &leafNode[K, V]{}
	n.ctl = control.New(true)
	control.SetOrdered(&n.ctl)
	return n
}

// fingerprintTag is a 1-byte FNV-1a-derived hash of an encoded key.
func fingerprintTag(enc []byte) byte {
	h := uint32(2166136261)
	for _, b := range enc {
		h ^= uint32(b)
		h *= 16777619
	}
	return byte(h) ^ byte(h>>8) ^ byte(h>>16) ^ byte(h>>24)
}

// candidateMask returns the bits of bitmap whose tag equals tag.
func candidateMask(bitmap uint64, tags [kNodeSize]byte, tag byte) uint16 {
	return uint16(bitmap) & simd.Eq16(tags, tag)
}

// lookup returns the live pair whose key equals enc, if any.
func (n *leafNode[K, V]) lookup(enc []byte) (*pair[K, V], bool) {
	tag := fingerprintTag(enc)
	mask := candidateMask(n.bitmap, n.tags, tag)
	for mask != 0 {
		i := simd.LowestSet(uint64(mask))
		mask &^= 1 << uint(i)
		p := n.slots[i].Load()
		if p != nil && keycodec.Equal(p.enc, enc) {
			return p, true
		}
	}
	return nil, false
}

// update CAS-swaps the slot matching enc to newP and returns the
// previous pair. ok is false if no live slot matches enc (absent or
// raced away by a concurrent remove/split — caller retries via the
// outer optimistic frame in that case).
func (n *leafNode[K, V]) update(enc []byte, newP *pair[K, V]) (old *pair[K, V], ok bool) {
	tag := fingerprintTag(enc)
	mask := candidateMask(n.bitmap, n.tags, tag)
	for mask != 0 {
		i := simd.LowestSet(uint64(mask))
		mask &^= 1 << uint(i)
		for {
			cur := n.slots[i].Load()
			if cur == nil || !keycodec.Equal(cur.enc, enc) {
				break
			}
			if n.slots[i].CompareAndSwap(cur, newP) {
				return cur, true
			}
		}
	}
	return nil, false
}

// upsert must be called with the exclusive latch held. It overwrites in
// place if enc is already present (returning the old pair to retire),
// or claims a free slot, or — if the node is full — splits.
//
// Returns (old, true, nil, false) on an in-place overwrite; (nil, false,
// nil, false) on a plain insert into a free slot; (nil, false, right,
// true) when the node had to split, in which case the caller must
// promote the returned median (the new high key of n) together with
// right.
func (n *leafNode[K, V]) upsert(enc []byte, newP *pair[K, V]) (old *pair[K, V], overwrote bool, right *leafNode[K, V], split bool) {
	if old, ok := n.update(enc, newP); ok {
		control.BumpVersion(&n.ctl)
		return old, true, nil, false
	}

	control.BumpVersion(&n.ctl)
	control.ClearOrdered(&n.ctl)

	free := ^n.bitmap & (1<<kNodeSize - 1)
	if free != 0 {
		i := simd.LowestSet(free)
		n.slots[i].Store(newP)
		n.tags[i] = fingerprintTag(enc)
		n.bitmap |= 1 << uint(i)
		return nil, false, nil, false
	}

	right = n.splitFor(enc, newP)
	return nil, false, right, true
}

type liveEntry[K, V any] struct {
	enc  []byte
	slot int
	p    *pair[K, V]
}

func (n *leafNode[K, V]) liveEntries() []liveEntry[K, V] {
	out := make([]liveEntry[K, V], 0, kNodeSize)
	bm := n.bitmap
	for bm != 0 {
		i := simd.LowestSet(bm)
		bm &^= 1 << uint(i)
		p := n.slots[i].Load()
		if p != nil {
			out = append(out, liveEntry[K, V]{enc: p.enc, slot: i, p: p})
		}
	}
	sort.Slice(out, func(a, b int) bool { return keycodec.Compare(out[a].enc, out[b].enc) < 0 })
	return out
}

// splitFor is called when n is full and enc/newP still need a home. It
// moves the upper half of n's sorted live entries to a new right
// sibling (exchanging each moved slot to nil so a racing update()
// observes "absent" and retries through the outer frame instead of
// silently writing to a slot that moved), then inserts enc/newP into
// whichever side covers it.
func (n *leafNode[K, V]) splitFor(enc []byte, newP *pair[K, V]) *leafNode[K, V] {
	entries := n.liveEntries()
	right := newLeafNode[K, V]()

	rightmost := !control.HasSibling(n.ctl)
	if rightmost && len(entries) > 0 && keycodec.Compare(enc, entries[len(entries)-1].enc) > 0 {
		right.slots[0].Store(newP)
		right.tags[0] = fingerprintTag(enc)
		right.bitmap = 1
		right.highKey = n.highKey
		n.highKey = cloneBytes(entries[len(entries)-1].enc)
		control.SetOrdered(&right.ctl)
		control.SetSibling(&n.ctl)
		storePtr(&right.next, loadPtr(&n.next))
		storePtr(&n.next, unsafe.Pointer(right))
		n.bitmap = 0
		for _, e := range entries {
			n.slots[e.slot].Store(e.p)
			n.tags[e.slot] = fingerprintTag(e.enc)
			n.bitmap |= 1 << uint(e.slot)
		}
		control.SetOrdered(&n.ctl)
		return right
	}

	mid := len(entries) / 2
	upper := entries[mid:]

	n.bitmap = 0
	for i := 0; i < mid; i++ {
		e := entries[i]
		n.slots[e.slot].Store(e.p)
		n.tags[e.slot] = fingerprintTag(e.enc)
		n.bitmap |= 1 << uint(e.slot)
	}
	for dst, e := range upper {
		moved := n.slots[e.slot].Swap(nil)
		right.slots[dst].Store(moved)
		right.tags[dst] = fingerprintTag(e.enc)
		right.bitmap |= 1 << uint(dst)
	}

	var newHigh []byte
	if mid > 0 {
		newHigh = cloneBytes(entries[mid-1].enc)
	} else {
		newHigh = cloneBytes(enc)
	}
	right.highKey = n.highKey
	n.highKey = newHigh
	control.SetOrdered(&n.ctl)
	control.SetOrdered(&right.ctl)
	control.SetSibling(&n.ctl)
	if !rightmost {
		control.SetSibling(&right.ctl)
	}
	storePtr(&right.next, loadPtr(&n.next))
	storePtr(&n.next, unsafe.Pointer(right))

	if keycodec.Compare(enc, n.highKey) <= 0 {
		n.insertFree(enc, newP)
	} else {
		right.insertFree(enc, newP)
	}
	return right
}

// insertFree claims a free slot for enc/newP; the caller guarantees one
// exists (used only right after a split, never on a node that might
// still be full).
func (n *leafNode[K, V]) insertFree(enc []byte, newP *pair[K, V]) {
	free := ^n.bitmap & (1<<kNodeSize - 1)
	i := simd.LowestSet(free)
	n.slots[i].Store(newP)
	n.tags[i] = fingerprintTag(enc)
	n.bitmap |= 1 << uint(i)
	control.ClearOrdered(&n.ctl)
}

// remove must be called with the exclusive latch held. It clears the
// slot matching enc, if present, and returns the removed pair.
func (n *leafNode[K, V]) remove(enc []byte) (old *pair[K, V], ok bool) {
	tag := fingerprintTag(enc)
	mask := candidateMask(n.bitmap, n.tags, tag)
	for mask != 0 {
		i := simd.LowestSet(uint64(mask))
		mask &^= 1 << uint(i)
		p := n.slots[i].Load()
		if p != nil && keycodec.Equal(p.enc, enc) {
			control.BumpVersion(&n.ctl)
			old = n.slots[i].Swap(nil)
			n.bitmap &^= 1 << uint(i)
			control.ClearOrdered(&n.ctl)
			return old, true
		}
	}
	return nil, false
}

func (n *leafNode[K, V]) liveCount() int {
	return popcount64(n.bitmap)
}

func popcount64(v uint64) int {
	c := 0
	for v != 0 {
		v &= v - 1
		c++
	}
	return c
}

// mergeRightInto absorbs right's live slots into n (n is right's left
// neighbor, both held exclusively) and marks right deleted with its
// sibling slot repurposed as a back-pointer to n.
func (n *leafNode[K, V]) mergeRightInto(right *leafNode[K, V]) {
	free := ^n.bitmap & (1<<kNodeSize - 1)
	bm := right.bitmap
	for bm != 0 {
		i := simd.LowestSet(bm)
		bm &^= 1 << uint(i)
		p := right.slots[i].Swap(nil)
		dst := simd.LowestSet(free)
		free &^= 1 << uint(dst)
		n.slots[dst].Store(p)
		n.tags[dst] = right.tags[i]
		n.bitmap |= 1 << uint(dst)
	}
	n.highKey = right.highKey
	if control.HasSibling(right.ctl) {
		control.SetSibling(&n.ctl)
	} else {
		control.ClearSibling(&n.ctl)
	}
	control.ClearOrdered(&n.ctl)
	storePtr(&n.next, loadPtr(&right.next))

	control.SetDelete(&right.ctl)
	control.SetSibling(&right.ctl)
	storePtr(&right.next, unsafe.Pointer(n))
}

// sortEntries is kv_sort: pack live slots into [0, popcount) ordered by
// key and set the ordered bit. Must be called with the exclusive latch
// held.
func (n *leafNode[K, V]) sortEntries() {
	entries := n.liveEntries()
	n.bitmap = 0
	for i, e := range entries {
		if i != e.slot {
			n.slots[i].Store(e.p)
		}
		n.tags[i] = fingerprintTag(e.enc)
		n.bitmap |= 1 << uint(i)
	}
	for i := len(entries); i < kNodeSize; i++ {
		n.slots[i].Store(nil)
	}
	control.SetOrdered(&n.ctl)
	control.BumpVersion(&n.ctl)
}

// bound returns the first live slot ordinal whose key is >= target
// (upper=false) or > target (upper=true). If the leaf isn't ordered it
// falls back to a linear collect; a concurrent writer clearing a slot
// mid-collection is reported via ok=false so the caller restarts.
func (n *leafNode[K, V]) bound(target []byte, upper bool) (pos int, count int, ok bool) {
	if control.IsOrdered(control.Snapshot(&n.ctl)) {
		entries := n.liveEntries()
		idx := sort.Search(len(entries), func(i int) bool {
			c := keycodec.Compare(entries[i].enc, target)
			if upper {
				return c > 0
			}
			return c >= 0
		})
		return idx, len(entries), true
	}

	bm := n.bitmap
	entries := make([]liveEntry[K, V], 0, kNodeSize)
	for bm != 0 {
		i := simd.LowestSet(bm)
		bm &^= 1 << uint(i)
		p := n.slots[i].Load()
		if p == nil {
			return 0, 0, false
		}
		entries = append(entries, liveEntry[K, V]{enc: p.enc, slot: i, p: p})
	}
	sort.Slice(entries, func(a, b int) bool { return keycodec.Compare(entries[a].enc, entries[b].enc) < 0 })
	idx := sort.Search(len(entries), func(i int) bool {
		c := keycodec.Compare(entries[i].enc, target)
		if upper {
			return c > 0
		}
		return c >= 0
	})
	return idx, len(entries), true
}

// accessOrdinal returns the entry at sorted position pos together with
// the control version at the moment of the read, for the scan
// iterator's advance(). If the leaf isn't ordered it is sorted first
// under the exclusive latch.
func (n *leafNode[K, V]) accessOrdinal(pos int) (enc []byte, p *pair[K, V], version uint64, ok bool) {
	if !control.IsOrdered(control.Snapshot(&n.ctl)) {
		control.LatchExclusive(&n.ctl)
		if !control.IsOrdered(control.Snapshot(&n.ctl)) {
			n.sortEntries()
		}
		control.UnlatchExclusive(&n.ctl)
	}
	entries := n.liveEntries()
	if pos < 0 || pos >= len(entries) {
		return nil, nil, control.Version(control.Snapshot(&n.ctl)), false
	}
	e := entries[pos]
	return e.enc, e.p, control.Version(control.Snapshot(&n.ctl)), true
}

package bptree

import (
	"unsafe"

	"github.com/Spear-Neil/IndexResearch/internal/control"
)

// Iterator is a forward scan cursor over a Tree's live key/value pairs
// in ascending key order. It is not safe for concurrent use by multiple
// goroutines, and it borrows records only valid while its Guard is
// alive.
type Iterator[K, V any] struct {
	t       *Tree[K, V]
	g       *Guard
	leaf    *leafNode[K, V]
	version uint64
	pos     int
	lastEnc []byte
	done    bool
}

// Begin returns an iterator positioned at the smallest live key.
func (t *Tree[K, V]) Begin(g *Guard) *Iterator[K, V] {
	return t.newCursor(g, nil, false)
}

// LowerBound returns an iterator positioned at the smallest live key
// that is >= key.
func (t *Tree[K, V]) LowerBound(g *Guard, key K) *Iterator[K, V] {
	enc := t.codec.Encode(key)
	return t.newCursor(g, enc, false)
}

// UpperBound returns an iterator positioned at the smallest live key
// that is > key.
func (t *Tree[K, V]) UpperBound(g *Guard, key K) *Iterator[K, V] {
	enc := t.codec.Encode(key)
	return t.newCursor(g, enc, true)
}

func (t *Tree[K, V]) newCursor(g *Guard, target []byte, upper bool) *Iterator[K, V] {
	it := &Iterator[K, V]{t: t, g: g}
	var leaf *leafNode[K, V]
	if target == nil {
		leaf = t.leftmostLeaf()
	} else {
		b := budget{unlimited: true}
		leaf, _ = t.descendToLeaf(target, &b)
		leaf = crabToLeaf(leaf, target)
	}

	for {
		pos, count, ok := leaf.bound(target, upper)
		if !ok {
			continue
		}
		if pos < count {
			enc, _, version, okAccess := leaf.accessOrdinal(pos)
			if !okAccess {
				continue
			}
			it.leaf = leaf
			it.pos = pos
			it.version = version
			it.lastEnc = enc
			return it
		}
		// Every live key in this leaf sorts before the target; the next
		// candidate, if any, is in the right sibling. A nil high key marks
		// the rightmost leaf in the chain.
		if leaf.highKey == nil {
			it.done = true
			return it
		}
		next := loadPtr(&leaf.next)
		if next == nil {
			it.done = true
			return it
		}
		leaf = (*leafNode[K, V])(next)
	}
}

func (t *Tree[K, V]) leftmostLeaf() *leafNode[K, V] {
	node := loadPtr(&t.root)
	for !isLeafHandle(node) {
		in := asInner(node)
		start := control.BeginRead(&in.ctl)
		var next unsafe.Pointer
		if in.knum == 0 {
			next = loadPtr(&in.next)
		} else {
			next = loadPtr(&in.children[0])
		}
		if !control.EndRead(&in.ctl, start) || next == nil {
			node = loadPtr(&t.root)
			continue
		}
		node = next
	}
	return asLeaf[K, V](node)
}

// Valid reports whether the cursor is positioned at a live entry.
func (it *Iterator[K, V]) Valid() bool {
	return !it.done
}

// Key returns the key at the cursor's current position.
func (it *Iterator[K, V]) Key() K {
	_, p, _, ok := it.leaf.accessOrdinal(it.pos)
	if !ok {
		var zero K
		return zero
	}
	return p.key
}

// Value returns the value at the cursor's current position.
func (it *Iterator[K, V]) Value() V {
	_, p, _, ok := it.leaf.accessOrdinal(it.pos)
	if !ok {
		var zero V
		return zero
	}
	return p.val
}

// Advance moves the cursor to the next live key in ascending order. It
// returns false once the scan is exhausted.
func (it *Iterator[K, V]) Advance() bool {
	if it.done {
		return false
	}

	if enc, _, version, ok := it.leaf.accessOrdinal(it.pos + 1); ok && version == it.version {
		it.pos++
		it.lastEnc = enc
		it.version = version
		return true
	}

	// Either the leaf's content changed (version mismatch) or pos+1 ran
	// past the live count. Either way, re-find lastEnc's successor
	// starting at the current leaf: bound with upper=true so an entry
	// already visited is never revisited, walking right as needed.
	leaf := it.leaf
	for {
		next := loadPtr(&leaf.next)
		pos, count, ok := leaf.bound(it.lastEnc, true)
		if !ok {
			continue
		}
		if pos < count {
			enc, _, version, okAccess := leaf.accessOrdinal(pos)
			if !okAccess {
				continue
			}
			it.leaf = leaf
			it.pos = pos
			it.version = version
			it.lastEnc = enc
			return true
		}
		if next == nil {
			it.done = true
			return false
		}
		leaf = (*leafNode[K, V])(next)
	}
}

package bptree

import (
	"unsafe"

	"github.com/Spear-Neil/IndexResearch/internal/control"
	"github.com/Spear-Neil/IndexResearch/internal/simd"
	"github.com/Spear-Neil/IndexResearch/keycodec"
)

// innerNode is a branching node. It is not parameterized over the tree's
// key/value types: separators are stored pre-encoded (order-preserving
// bytes), and children are untyped node handles the Tree casts according
// to their control word's leaf bit. This lets one innerNode
// implementation serve every Tree[K, V] instantiation.
//
// Unlike the design this is grounded on, which keeps separators and a
// separate slab-allocated anchor extent for string suffix comparison,
// this implementation stores the full encoded separator once (seps) and
// derives both the prefix and the columnar feature table from it on
// every structural change. Go's garbage collector already owns the
// variable-length backing arrays, so the manual slab/extent the original
// design needs to avoid per-key allocation churn has no equivalent job
// to do here — see DESIGN.md.
type innerNode struct {
	ctl  uint64
	knum int32
	plen int32

	prefix   []byte
	seps     [kNodeSize][]byte
	features [kFeatureSize][kNodeSize]byte
	children [kNodeSize]unsafe.Pointer

	// next is the trailing slot: a right sibling at this level when the
	// control word's sibling bit is set, otherwise the rightmost child
	// (covering keys > seps[knum-1]). When this node has been unlinked
	// (control.IsDeleted), next is repurposed to point at the surviving
	// left neighbor.
	next unsafe.Pointer

	retired bool
}

func featureByteRaw(enc []byte, off int) byte {
	if off < 0 || off >= len(enc) {
		return 0
	}
	return enc[off]
}

// rebuildPrefixAndFeatures recomputes plen, prefix, and the columnar
// feature table from the current separators. Cheap (kNodeSize *
// kFeatureSize byte reads) relative to a structural change, so this
// reimplementation recomputes wholesale rather than incrementally
// shifting rows the way prefix_reduce/prefix_extend do in the design
// this is grounded on — see DESIGN.md.
func (n *innerNode) rebuildPrefixAndFeatures() {
	knum := int(n.knum)
	if knum == 0 {
		n.plen = 0
		n.prefix = n.prefix[:0]
		return
	}

	plen := kFeatureSize
	for b := 0; b < kFeatureSize; b++ {
		ref := featureByteRaw(n.seps[0], b)
		for i := 1; i < knum; i++ {
			if featureByteRaw(n.seps[i], b) != ref {
				plen = b
				goto found
			}
		}
	}
found:
	n.plen = int32(plen)
	if cap(n.prefix) < plen {
		n.prefix = make([]byte, plen)
	} else {
		n.prefix = n.prefix[:plen]
	}
	for b := 0; b < plen; b++ {
		n.prefix[b] = featureByteRaw(n.seps[0], b)
	}
	for r := 0; r < kFeatureSize; r++ {
		for i := 0; i < knum; i++ {
			n.features[r][i] = featureByteRaw(n.seps[i], plen+r)
		}
	}
}

// toNext implements §4.4's to_next: narrow, via the prefix then the
// columnar feature table, to the child index that must contain key.
// Returns childIdx in [0, knum]; childIdx == knum means "descend via
// next" (a sibling jump if jumpSibling is true, otherwise the rightmost
// child).
func (n *innerNode) toNext(key []byte) (childIdx int, jumpSibling bool) {
	knum := int(n.knum)
	plen := int(n.plen)

	for b := 0; b < plen; b++ {
		kb := featureByteRaw(key, b)
		pb := n.prefix[b]
		if kb < pb {
			return 0, false
		}
		if kb > pb {
			return knum, control.HasSibling(n.ctl)
		}
	}

	if knum == 0 {
		return 0, control.HasSibling(n.ctl)
	}

	liveMask := uint16(1<<uint(knum)) - 1
	for r := 0; r < kFeatureSize; r++ {
		featByte := featureByteRaw(key, plen+r)
		col := n.features[r]
		eqMask := simd.Eq16(col, featByte) & liveMask
		if eqMask == 0 {
			ltMask := simd.Lt16(col, featByte) & liveMask
			return n.resolve(ltMask, liveMask)
		}
		liveMask = eqMask
	}

	// Feature rows exhausted. For fixed-width keys liveMask now has
	// exactly one bit (the key's full encoding is bounded by plen+
	// kFeatureSize); for strings with a shared prefix longer than the
	// feature window, fall back to a direct comparison among survivors.
	return n.resolveBySuffix(key, liveMask)
}

func (n *innerNode) resolve(ltMask, liveMask uint16) (int, bool) {
	knum := int(n.knum)
	var idx int
	if ltMask != 0 {
		idx = simd.HighestSet(uint64(ltMask)) + 1
	} else if liveMask != 0 {
		idx = simd.LowestSet(uint64(liveMask))
	} else {
		idx = 0
	}
	jump := idx == knum && control.HasSibling(n.ctl)
	return idx, jump
}

func (n *innerNode) resolveBySuffix(key []byte, liveMask uint16) (int, bool) {
	knum := int(n.knum)
	last := -1
	for i := 0; i < knum; i++ {
		if liveMask&(1<<uint(i)) == 0 {
			continue
		}
		if keycodec.Compare(key, n.seps[i]) <= 0 {
			return i, false
		}
		last = i
	}
	idx := last + 1
	return idx, idx == knum && control.HasSibling(n.ctl)
}

func popcount16(v uint16) int {
	c := 0
	for v != 0 {
		v &= v - 1
		c++
	}
	return c
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func insertSepAt(seps [][]byte, index int, sep []byte) [][]byte {
	seps = append(seps, nil)
	copy(seps[index+1:], seps[index:len(seps)-1])
	seps[index] = sep
	return seps
}

func insertChildAt(children []unsafe.Pointer, index int, c unsafe.Pointer) []unsafe.Pointer {
	children = append(children, nil)
	copy(children[index+1:], children[index:len(children)-1])
	children[index] = c
	return children
}

// absorbChildSplit inserts a newly promoted separator/child pair after a
// child of this node split. index is the slot to_next resolved when this
// node was descended to reach the child that split (index == knum only
// when this node has no sibling, since otherwise that case is a sibling
// jump handled by the tree driver before reaching this node at all).
//
// Returns (nil, nil, false) if the insert fit without splitting this
// node; otherwise returns the promoted median separator and the new
// right sibling, with this node and right already relinked. The median
// stays behind as this node's last separator (its high key), so this
// node keeps one child per separator once its sibling bit is set.
func (n *innerNode) absorbChildSplit(index int, sep []byte, rchild unsafe.Pointer) ([]byte, *innerNode, bool) {
	hasSib := control.HasSibling(n.ctl)
	oldNext := n.next
	knum := int(n.knum)

	seps := make([][]byte, 0, knum+1)
	seps = append(seps, n.seps[:knum]...)
	children := make([]unsafe.Pointer, 0, knum+2)
	children = append(children, n.children[:knum]...)
	if !hasSib {
		children = append(children, oldNext)
	}

	seps = insertSepAt(seps, index, sep)
	children = insertChildAt(children, index+1, rchild)

	total := len(seps)
	if total <= kNodeSize {
		n.knum = int32(total)
		copy(n.seps[:], seps)
		for i := 0; i < total; i++ {
			storePtr(&n.children[i], children[i])
		}
		if !hasSib {
			storePtr(&n.next, children[total])
		}
		n.rebuildPrefixAndFeatures()
		return nil, nil, false
	}

	mid := total / 2
	median := cloneBytes(seps[mid])

	n.knum = int32(mid + 1)
	copy(n.seps[:], seps[:mid+1])
	for i := 0; i <= mid; i++ {
		storePtr(&n.children[i], children[i])
	}
	control.SetSibling(&n.ctl)

	right := newInnerNode()
	rightSeps := seps[mid+1:]
	right.knum = int32(len(rightSeps))
	copy(right.seps[:], rightSeps)
	if hasSib {
		for i, c := range children[mid+1:] {
			storePtr(&right.children[i], c)
		}
		control.SetSibling(&right.ctl)
		storePtr(&right.next, oldNext)
	} else {
		for i, c := range children[mid+1 : total] {
			storePtr(&right.children[i], c)
		}
		storePtr(&right.next, children[total])
	}
	right.rebuildPrefixAndFeatures()
	n.rebuildPrefixAndFeatures()
	storePtr(&n.next, unsafe.Pointer(right))
	return median, right, true
}

// dropColumn removes the routing for a right neighbor that was just
// merged into the surviving child at idx (children[idx]). It keeps
// children[idx] untouched and instead drops seps[idx] together with the
// column that used to route to the merged-away node: children[idx+1] if
// idx isn't this node's last column, or the next pointer otherwise (the
// rightmost child when this node has no sibling of its own, or the
// sibling-jump target when it does — either way there is no children[]
// slot past idx to shift down).
func (n *innerNode) dropColumn(idx int) {
	knum := int(n.knum)
	if idx == knum-1 {
		if !control.HasSibling(n.ctl) {
			storePtr(&n.next, loadPtr(&n.children[idx]))
		}
		n.seps[idx] = nil
		n.knum--
		n.rebuildPrefixAndFeatures()
		return
	}
	for i := idx; i < knum-1; i++ {
		n.seps[i] = n.seps[i+1]
	}
	for i := idx + 1; i < knum-1; i++ {
		storePtr(&n.children[i], loadPtr(&n.children[i+1]))
	}
	n.seps[knum-1] = nil
	storePtr(&n.children[knum-1], nil)
	n.knum--
	n.rebuildPrefixAndFeatures()
}

// mergeRightInto absorbs right's columns into n (n must be n's left
// neighbor, both held exclusively by the caller) and marks right
// deleted with its sibling slot repurposed as a back-pointer to n.
func (n *innerNode) mergeRightInto(right *innerNode) {
	knum := int(n.knum)
	rnum := int(right.knum)
	for i := 0; i < rnum; i++ {
		n.seps[knum+i] = right.seps[i]
		storePtr(&n.children[knum+i], loadPtr(&right.children[i]))
	}
	n.knum = int32(knum + rnum)
	if control.HasSibling(right.ctl) {
		control.SetSibling(&n.ctl)
	} else {
		control.ClearSibling(&n.ctl)
	}
	n.rebuildPrefixAndFeatures()
	storePtr(&n.next, loadPtr(&right.next))

	control.SetDelete(&right.ctl)
	control.SetSibling(&right.ctl)
	storePtr(&right.next, unsafe.Pointer(n))
}

// keyCount is the current number of separators; used by the merge
// threshold check (knum + sibling's knum <= kMergeSize).
func (n *innerNode) keyCount() int { return int(n.knum) }

package bptree

import (
	"unsafe"

	"github.com/Spear-Neil/IndexResearch/internal/control"
	"github.com/Spear-Neil/IndexResearch/internal/epoch"
)

// kNodeSize is the number of separator/child slots an inner node holds
// and the number of key/value slots a leaf node holds. It doubles as the
// SIMD lane width internal/simd's 16-lane kernels operate over, so the
// inner node's feature-narrowing search (toNext) can use Eq16/Lt16
// directly against a full node's worth of columns in one call.
const kNodeSize = 16

// kFeatureSize is the number of columnar feature bytes stored per
// separator — the bytes of the encoded key immediately following the
// node's common prefix.
const kFeatureSize = 8

// kMergeSize is the combined-size threshold under which two neighboring
// nodes are merged rather than left separately underfull.
const kMergeSize = kNodeSize / 2

// newInnerNode returns a freshly initialized, unlinked inner node.
func newInnerNode() *innerNode {
	n := &innerNode{}
	n.ctl = control.New(false)
	return n
}

// retireInner hands n to the epoch domain. Go's garbage collector — not
// this call — is what actually keeps n's memory alive for as long as a
// stale reader holds a pointer to it; the destructor here exists so
// retirement is still observable (for tests and for the retired-node
// gauge in internal/telemetry) the same way it would be in an
// implementation that manually frees memory.
func retireInner(d *epoch.Domain, n *innerNode) {
	control.SetDelete(&n.ctl)
	d.Retire(unsafe.Pointer(n), func(unsafe.Pointer) { n.retired = true })
}

func retireLeafGeneric[K, V any](d *epoch.Domain, n *leafNode[K, V]) {
	control.SetDelete(&n.ctl)
	d.Retire(unsafe.Pointer(n), func(unsafe.Pointer) { n.retired = true })
}

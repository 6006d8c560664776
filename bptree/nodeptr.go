package bptree

import (
	"sync/atomic"
	"unsafe"
)

// Pointers that cross node boundaries (a child slot, a sibling/back
// pointer) are read by optimistic traversers that never take this
// node's latch, so a stale or torn read is a real use-after-free risk —
// unlike a node's own scalar fields (tags, bitmap, prefix), which are
// only ever inconsistent transiently and are caught by the control
// word's version re-check. These two helpers are therefore the one
// place besides internal/control that uses sync/atomic directly.
func loadPtr(p *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(p)
}

func storePtr(p *unsafe.Pointer, v unsafe.Pointer) {
	atomic.StorePointer(p, v)
}

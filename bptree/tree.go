// Package bptree implements the concurrent, in-memory ordered index: an
// epoch-reclaimed B-link tree with columnar, SIMD-narrowed inner nodes
// and fingerprinted leaves (§4.6 of the design this module implements).
package bptree

import (
	"errors"
	"unsafe"

	"github.com/Spear-Neil/IndexResearch/internal/control"
	"github.com/Spear-Neil/IndexResearch/internal/epoch"
	"github.com/Spear-Neil/IndexResearch/internal/failpoint"
	"github.com/Spear-Neil/IndexResearch/internal/telemetry"
	"github.com/Spear-Neil/IndexResearch/keycodec"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrRetryBudgetExceeded is returned when an operation loses more races
// to concurrent writers than its Tree's retry budget allows. With the
// default (unlimited) budget this is never returned; contention is
// always retried silently, matching the index's baseline behavior.
var ErrRetryBudgetExceeded = errors.New("bptree: exceeded retry budget")

// Tree is a concurrent ordered map from K to V. The zero value is not
// usable; construct with New. A Tree must not be copied after first use.
type Tree[K, V any] struct {
	codec  keycodec.Codec[K]
	root   unsafe.Pointer
	domain *epoch.Domain

	metrics *telemetry.Metrics
	log     *zap.Logger

	metricsReg       prometheus.Registerer
	metricsNamespace string
	retryBudget      int
}

// Option configures a Tree at construction time.
type Option[K, V any] func(*Tree[K, V])

// WithMetrics registers the tree's counters/gauges under reg using
// namespace to distinguish this tree from others in the same process,
// instead of the default private, unexposed registry.
func WithMetrics[K, V any](reg prometheus.Registerer, namespace string) Option[K, V] {
	return func(t *Tree[K, V]) {
		t.metricsReg = reg
		t.metricsNamespace = namespace
	}
}

// WithLogger overrides the tree's zap logger (default: a child of the
// process logger tagged component=bptree).
func WithLogger[K, V any](l *zap.Logger) Option[K, V] {
	return func(t *Tree[K, V]) { t.log = l }
}

// WithRetryBudget caps how many times a single public operation restarts
// the whole traversal after losing a race to a concurrent writer before
// giving up with ErrRetryBudgetExceeded. Zero (the default) means
// unlimited retries, matching §7's "contention is always retried, never
// surfaced" — this is an opt-in safety valve for callers that would
// rather see a bounded, specific error than risk an unbounded livelock
// under pathological contention.
func WithRetryBudget[K, V any](n int) Option[K, V] {
	return func(t *Tree[K, V]) { t.retryBudget = n }
}

// New constructs an empty Tree using codec to encode K into the
// order-preserving byte sequence every node algorithm operates on.
func New[K, V any](codec keycodec.Codec[K], opts ...Option[K, V]) *Tree[K, V] {
	t := &Tree[K, V]{
		codec:  codec,
		domain: epoch.NewDomain(),
		log:    telemetry.Component("bptree"),
	}
	leaf := newLeafNode[K, V]()
	t.root = unsafe.Pointer(leaf)
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		ns := t.metricsNamespace
		if ns == "" {
			ns = "bptree"
		}
		t.metrics = telemetry.NewMetrics(t.metricsReg, ns)
	}
	return t
}

// Guard pins the tree's current epoch. Every public Tree method must be
// called with a live Guard; Release it as soon as the caller is done
// touching any value this Tree returned (Lookup results, iterators).
type Guard struct {
	g *epoch.Guard
}

// Acquire returns a Guard the caller must Release.
func (t *Tree[K, V]) Acquire() *Guard {
	return &Guard{g: t.domain.Acquire()}
}

// Release drops the guard's claim on the tree's current epoch.
func (g *Guard) Release() {
	g.g.Release()
}

func isLeafHandle(h unsafe.Pointer) bool {
	return control.IsLeaf(control.Snapshot((*uint64)(h)))
}

func asInner(h unsafe.Pointer) *innerNode {
	return (*innerNode)(h)
}

func asLeaf[K, V any](h unsafe.Pointer) *leafNode[K, V] {
	return (*leafNode[K, V])(h)
}

// retirePair hands an unlinked key/value record to the epoch domain.
func (t *Tree[K, V]) retirePair(p *pair[K, V]) {
	if err := failpoint.Hit("epoch.retire"); err != nil {
		t.log.Warn("failpoint hit on pair retirement", zap.Error(err))
	}
	before := t.domain.CurrentEpoch()
	t.domain.Retire(unsafe.Pointer(p), func(unsafe.Pointer) {})
	if after := t.domain.CurrentEpoch(); after > before {
		t.metrics.EpochCycles.Add(float64(after - before))
	}
	t.metrics.LiveRetired.Set(float64(t.domain.PendingCount()))
}

// budget tracks how many more lost races a single public call tolerates
// before giving up with ErrRetryBudgetExceeded. A zero Tree.retryBudget
// means unlimited (ok always returns true).
type budget struct {
	remaining int
	unlimited bool
}

func (t *Tree[K, V]) newBudget() budget {
	if t.retryBudget <= 0 {
		return budget{unlimited: true}
	}
	return budget{remaining: t.retryBudget}
}

func (b *budget) consume() bool {
	if b.unlimited {
		return true
	}
	if b.remaining == 0 {
		return false
	}
	b.remaining--
	return true
}

// pathEntry records an inner node entered via a child pointer during
// descent, together with the index taken. Sibling jumps are not
// recorded: they don't correspond to a stable ancestor for upward
// propagation (§4.6 "Traversal").
type pathEntry struct {
	node *innerNode
	idx  int
}

// descendToLeaf walks from the root to the leaf that should contain
// enc, purely optimistically (no latches taken). Callers that only need
// to read re-validate via control.BeginRead/EndRead around the leaf
// access; callers that need to write re-acquire the leaf exclusively
// themselves (reachLeafForWrite). ok is false only once b's budget is
// exhausted by repeated restarts.
func (t *Tree[K, V]) descendToLeaf(enc []byte, b *budget) (*leafNode[K, V], bool) {
	for {
		node := loadPtr(&t.root)
		restarted := false
		for {
			if isLeafHandle(node) {
				return asLeaf[K, V](node), true
			}
			in := asInner(node)
			start := control.BeginRead(&in.ctl)
			if control.IsDeleted(start) {
				restarted = true
				break
			}
			idx, jump := in.toNext(enc)
			var next unsafe.Pointer
			if jump || idx == int(in.knum) {
				next = loadPtr(&in.next)
			} else {
				next = loadPtr(&in.children[idx])
			}
			if !control.EndRead(&in.ctl, start) || next == nil {
				restarted = true
				break
			}
			node = next
		}
		if restarted {
			t.metrics.Retries.Inc()
			if !b.consume() {
				return nil, false
			}
		}
	}
}

// crabToLeaf follows sibling pointers rightward while the leaf's high
// key still excludes enc — the B-link safety net that absorbs a split
// the reader's parent hasn't caught up to yet.
func crabToLeaf[K, V any](leaf *leafNode[K, V], enc []byte) *leafNode[K, V] {
	for leaf.highKey != nil && keycodec.Compare(enc, leaf.highKey) > 0 {
		next := loadPtr(&leaf.next)
		if next == nil {
			break
		}
		leaf = (*leafNode[K, V])(next)
	}
	return leaf
}

// reachLeafForWrite descends to the target leaf and returns it latched
// exclusively, plus the inner-node path for upward propagation. ok is
// false only once b's budget is exhausted.
func (t *Tree[K, V]) reachLeafForWrite(enc []byte, b *budget) (*leafNode[K, V], []pathEntry, bool) {
	var path []pathEntry
	for {
		path = path[:0]
		node := loadPtr(&t.root)
		restarted := false
		for !isLeafHandle(node) {
			in := asInner(node)
			if control.IsDeleted(control.Snapshot(&in.ctl)) {
				restarted = true
				break
			}
			idx, jump := in.toNext(enc)
			if !jump {
				path = append(path, pathEntry{node: in, idx: idx})
			}
			var next unsafe.Pointer
			if jump || idx == int(in.knum) {
				next = loadPtr(&in.next)
			} else {
				next = loadPtr(&in.children[idx])
			}
			if next == nil {
				restarted = true
				break
			}
			node = next
		}
		if restarted {
			t.metrics.Retries.Inc()
			if !b.consume() {
				return nil, nil, false
			}
			continue
		}

		leaf := asLeaf[K, V](node)
		control.LatchExclusive(&leaf.ctl)
		for leaf.highKey != nil && keycodec.Compare(enc, leaf.highKey) > 0 && control.HasSibling(leaf.ctl) {
			nextPtr := loadPtr(&leaf.next)
			if nextPtr == nil {
				break
			}
			next := (*leafNode[K, V])(nextPtr)
			control.LatchExclusive(&next.ctl)
			control.UnlatchExclusive(&leaf.ctl)
			leaf = next
		}
		if control.IsDeleted(control.Snapshot(&leaf.ctl)) {
			control.UnlatchExclusive(&leaf.ctl)
			t.metrics.Retries.Inc()
			if !b.consume() {
				return nil, nil, false
			}
			continue
		}
		return leaf, path, true
	}
}

func rootCtl(root unsafe.Pointer) *uint64 {
	return (*uint64)(root)
}

// growRoot wraps the current root and a freshly split right sibling
// under a new inner root, publishing it before releasing the old root's
// latch so no concurrent descender ever observes a torn depth change.
func (t *Tree[K, V]) growRoot(median []byte, right unsafe.Pointer) {
	oldRoot := loadPtr(&t.root)
	ctl := rootCtl(oldRoot)
	control.LatchExclusive(ctl)
	if loadPtr(&t.root) != oldRoot {
		// Another writer already grew the root while we waited for the
		// latch. The split is not installed in any parent: right stays
		// reachable only through its left neighbor's sibling pointer.
		control.UnlatchExclusive(ctl)
		return
	}
	newRoot := newInnerNode()
	newRoot.knum = 1
	newRoot.seps[0] = median
	storePtr(&newRoot.children[0], oldRoot)
	storePtr(&newRoot.next, right)
	newRoot.rebuildPrefixAndFeatures()
	storePtr(&t.root, unsafe.Pointer(newRoot))
	control.UnlatchExclusive(ctl)
}

// propagateSplit absorbs (median, right) into path's innermost ancestor,
// recursing upward through further splits, and grows the root if the
// split reaches past the top of path.
func (t *Tree[K, V]) propagateSplit(path []pathEntry, median []byte, right unsafe.Pointer) {
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i].node
		control.LatchExclusive(&parent.ctl)
		for control.HasSibling(parent.ctl) && parent.knum > 0 &&
			keycodec.Compare(median, parent.seps[parent.knum-1]) >= 0 {
			nextp := (*innerNode)(loadPtr(&parent.next))
			control.LatchExclusive(&nextp.ctl)
			control.UnlatchExclusive(&parent.ctl)
			parent = nextp
		}
		control.BumpVersion(&parent.ctl)
		idx, _ := parent.toNext(median)
		if idx > int(parent.knum) {
			idx = int(parent.knum)
		}
		newMedian, newRight, split := parent.absorbChildSplit(idx, median, right)
		control.UnlatchExclusive(&parent.ctl)
		if !split {
			return
		}
		t.metrics.Splits.Inc()
		median, right = newMedian, unsafe.Pointer(newRight)
	}
	t.growRoot(median, right)
}

// Insert adds key/val. If key was already present, its old value is
// returned with existed=true and the old record is retired; otherwise a
// fresh slot is claimed and existed is false. err is non-nil only if the
// Tree has a finite retry budget (WithRetryBudget) and it was exhausted.
func (t *Tree[K, V]) Insert(g *Guard, key K, val V) (old V, existed bool, err error) {
	enc := t.codec.Encode(key)
	b := t.newBudget()
	leaf, path, ok := t.reachLeafForWrite(enc, &b)
	if !ok {
		var zero V
		return zero, false, ErrRetryBudgetExceeded
	}
	np := &pair[K, V]{key: key, enc: enc, val: val}

	oldP, overwrote, right, split := leaf.upsert(enc, np)
	if overwrote {
		control.UnlatchExclusive(&leaf.ctl)
		t.retirePair(oldP)
		return oldP.val, true, nil
	}
	if !split {
		control.UnlatchExclusive(&leaf.ctl)
		var zero V
		return zero, false, nil
	}

	if fperr := failpoint.Hit("tree.splitLeaf"); fperr != nil {
		t.log.Warn("failpoint hit before leaf split propagation", zap.Error(fperr))
	}
	median := cloneBytes(leaf.highKey)
	rightPtr := unsafe.Pointer(right)
	control.UnlatchExclusive(&leaf.ctl)
	t.propagateSplit(path, median, rightPtr)
	t.metrics.Splits.Inc()
	var zero V
	return zero, false, nil
}

// Update overwrites the value of an existing key in place. It returns
// the previous value and true iff key was present; if absent, val is
// simply discarded and (<zero>, false, nil) is returned — §6's "null iff
// key absent (new pair freed)". err is non-nil only on retry-budget
// exhaustion.
//
// This takes leaf's exclusive latch rather than the optimistic
// BeginRead/EndRead frame Lookup uses: leaf.update is a CAS mutation, and
// retrying it under a failed optimistic read could replay the same swap
// against its own just-installed value and hand the live pair back to
// the caller as the "old" one to retire.
func (t *Tree[K, V]) Update(g *Guard, key K, val V) (old V, existed bool, err error) {
	enc := t.codec.Encode(key)
	np := &pair[K, V]{key: key, enc: enc, val: val}
	b := t.newBudget()
	leaf, _, ok := t.reachLeafForWrite(enc, &b)
	if !ok {
		var zero V
		return zero, false, ErrRetryBudgetExceeded
	}
	oldP, updated := leaf.update(enc, np)
	control.UnlatchExclusive(&leaf.ctl)
	if !updated {
		var zero V
		return zero, false, nil
	}
	t.retirePair(oldP)
	return oldP.val, true, nil
}

// Lookup returns the value stored for key, if any. The returned value
// remains valid only while g stays alive. err is non-nil only on
// retry-budget exhaustion.
func (t *Tree[K, V]) Lookup(g *Guard, key K) (val V, found bool, err error) {
	enc := t.codec.Encode(key)
	b := t.newBudget()
	for {
		leaf, ok := t.descendToLeaf(enc, &b)
		if !ok {
			var zero V
			return zero, false, ErrRetryBudgetExceeded
		}
		leaf = crabToLeaf(leaf, enc)
		start := control.BeginRead(&leaf.ctl)
		p, hit := leaf.lookup(enc)
		if !control.EndRead(&leaf.ctl, start) {
			t.metrics.Retries.Inc()
			if !b.consume() {
				var zero V
				return zero, false, ErrRetryBudgetExceeded
			}
			continue
		}
		if !hit {
			var zero V
			return zero, false, nil
		}
		return p.val, true, nil
	}
}

// Remove deletes key and returns its value, retiring the record to the
// epoch domain. It reports false if key was absent. err is non-nil only
// on retry-budget exhaustion.
func (t *Tree[K, V]) Remove(g *Guard, key K) (old V, found bool, err error) {
	enc := t.codec.Encode(key)
	b := t.newBudget()
	leaf, path, ok := t.reachLeafForWrite(enc, &b)
	if !ok {
		var zero V
		return zero, false, ErrRetryBudgetExceeded
	}
	oldP, removed := leaf.remove(enc)
	if !removed {
		control.UnlatchExclusive(&leaf.ctl)
		var zero V
		return zero, false, nil
	}

	if leaf.liveCount() > 0 && leaf.liveCount() <= kMergeSize && control.HasSibling(leaf.ctl) {
		t.tryMergeLeafRight(leaf, path)
	} else {
		control.UnlatchExclusive(&leaf.ctl)
	}

	t.retirePair(oldP)
	return oldP.val, true, nil
}

// tryMergeLeafRight merges leaf (held exclusively by the caller) with
// its right sibling when the combined size fits in one node, then fixes
// the parent separator and recurses the merge upward if needed. leaf is
// always unlatched by the time this returns.
func (t *Tree[K, V]) tryMergeLeafRight(leaf *leafNode[K, V], path []pathEntry) {
	rightPtr := loadPtr(&leaf.next)
	if rightPtr == nil {
		control.UnlatchExclusive(&leaf.ctl)
		return
	}
	right := (*leafNode[K, V])(rightPtr)
	control.LatchExclusive(&right.ctl)
	if control.IsDeleted(control.Snapshot(&right.ctl)) || leaf.liveCount()+right.liveCount() > kMergeSize {
		control.UnlatchExclusive(&right.ctl)
		control.UnlatchExclusive(&leaf.ctl)
		return
	}
	if fperr := failpoint.Hit("tree.mergeLeaf"); fperr != nil {
		t.log.Warn("failpoint hit before leaf merge", zap.Error(fperr))
	}
	control.BumpVersion(&leaf.ctl)
	leaf.mergeRightInto(right)
	control.UnlatchExclusive(&right.ctl)
	control.UnlatchExclusive(&leaf.ctl)
	t.metrics.Merges.Inc()

	if len(path) > 0 {
		t.fixParentAfterMerge(path, unsafe.Pointer(leaf), unsafe.Pointer(right))
	}
}

// fixParentAfterMerge drops the separator that used to distinguish the
// merged-away right node from its new left neighbor, then recursively
// merges the parent with its own sibling if it becomes underfull,
// continuing until a level absorbs the change without itself needing to
// shrink, or the root is reached (and, if now empty, shrunk).
func (t *Tree[K, V]) fixParentAfterMerge(path []pathEntry, left, deletedRight unsafe.Pointer) {
	i := len(path) - 1
	parent := path[i].node
	control.LatchExclusive(&parent.ctl)

	// The recorded idx may be stale if concurrent structural changes
	// hit this parent; re-derive the column that currently points at
	// left (or, if left itself moved, treat it as already fixed).
	found := -1
	for c := 0; c < int(parent.knum); c++ {
		if loadPtr(&parent.children[c]) == left {
			found = c
			break
		}
	}
	if found == -1 {
		control.UnlatchExclusive(&parent.ctl)
		return
	}
	control.BumpVersion(&parent.ctl)
	parent.dropColumn(found)

	if int(parent.knum) == 0 {
		if len(path) == 1 {
			control.UnlatchExclusive(&parent.ctl)
			t.shrinkRoot(parent)
			return
		}
		control.UnlatchExclusive(&parent.ctl)
		t.fixParentAfterMerge(path[:i], parent.children[0], unsafe.Pointer(parent))
		return
	}

	if control.HasSibling(parent.ctl) && parent.keyCount() <= kMergeSize {
		rightPtr := loadPtr(&parent.next)
		if rightPtr != nil {
			rightInner := (*innerNode)(rightPtr)
			control.LatchExclusive(&rightInner.ctl)
			if !control.IsDeleted(control.Snapshot(&rightInner.ctl)) && parent.keyCount()+rightInner.keyCount() <= kMergeSize {
				control.BumpVersion(&parent.ctl)
				parent.mergeRightInto(rightInner)
				control.UnlatchExclusive(&rightInner.ctl)
				control.UnlatchExclusive(&parent.ctl)
				t.metrics.Merges.Inc()
				if len(path) > 1 {
					t.fixParentAfterMerge(path[:i], unsafe.Pointer(parent), unsafe.Pointer(rightInner))
				}
				return
			}
			control.UnlatchExclusive(&rightInner.ctl)
		}
	}
	control.UnlatchExclusive(&parent.ctl)
}

// shrinkRoot replaces the root with oldRoot.next once oldRoot (an inner
// node) has been emptied by merges, per §4.4's "Root shrink".
func (t *Tree[K, V]) shrinkRoot(oldRoot *innerNode) {
	ctl := &oldRoot.ctl
	control.LatchExclusive(ctl)
	if loadPtr(&t.root) != unsafe.Pointer(oldRoot) || oldRoot.knum != 0 {
		control.UnlatchExclusive(ctl)
		return
	}
	newRoot := loadPtr(&oldRoot.next)
	storePtr(&t.root, newRoot)
	control.SetDelete(ctl)
	control.UnlatchExclusive(ctl)
	retireInner(t.domain, oldRoot)
}

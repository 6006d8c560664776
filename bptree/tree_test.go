package bptree

import (
	"fmt"
	"testing"

	"github.com/Spear-Neil/IndexResearch/keycodec"
	"github.com/stretchr/testify/require"
)

func TestTreeInsertLookup(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	n := 500
	for i := int32(0); i < int32(n); i++ {
		old, existed, err := tree.Insert(g, i, fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
		require.False(t, existed)
		require.Equal(t, "", old)
	}
	require.NoError(t, tree.Verify(g))
	require.Equal(t, n, tree.Count(g))

	for i := int32(0); i < int32(n); i++ {
		v, ok, err := tree.Lookup(g, i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("value-%d", i), v)
	}

	if _, ok, err := tree.Lookup(g, int32(n+1000)); err != nil || ok {
		t.Fatalf("lookup of absent key should miss cleanly, got ok=%v err=%v", ok, err)
	}
}

func TestTreeInsertOverwriteReturnsOldValue(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	_, existed, err := tree.Insert(g, 7, "first")
	require.NoError(t, err)
	require.False(t, existed)

	old, existed, err := tree.Insert(g, 7, "second")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "first", old)

	v, ok, err := tree.Lookup(g, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", v)
}

func TestTreeDescendingInsertTriggersSplitsBothWays(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	n := 500
	for i := int32(n - 1); i >= 0; i-- {
		_, _, err := tree.Insert(g, i, fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Verify(g))
	require.Equal(t, n, tree.Count(g))
	require.Greater(t, tree.Height(g), 1)
}

func TestTreeUpdate(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	if _, existed, err := tree.Update(g, 1, "anything"); existed || err != nil {
		t.Fatalf("update of absent key should report existed=false, err=nil; got existed=%v err=%v", existed, err)
	}

	_, _, err := tree.Insert(g, 1, "original")
	require.NoError(t, err)

	old, existed, err := tree.Update(g, 1, "updated")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "original", old)

	v, ok, err := tree.Lookup(g, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "updated", v)
}

func TestTreeRemoveEvensLeavesOddsIntact(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	n := 400
	for i := int32(0); i < int32(n); i++ {
		_, _, err := tree.Insert(g, i, fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}

	for i := int32(0); i < int32(n); i += 2 {
		old, found, err := tree.Remove(g, i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("value-%d", i), old)
	}
	require.NoError(t, tree.Verify(g))
	require.Equal(t, n/2, tree.Count(g))

	for i := int32(0); i < int32(n); i++ {
		_, ok, err := tree.Lookup(g, i)
		require.NoError(t, err)
		require.Equal(t, i%2 != 0, ok)
	}

	if _, found, err := tree.Remove(g, 2); found || err != nil {
		t.Fatalf("removing an already-removed key should report found=false, err=nil; got found=%v err=%v", found, err)
	}
}

func TestTreeRemoveDownToEmptyShrinksRoot(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	n := 300
	for i := int32(0); i < int32(n); i++ {
		_, _, err := tree.Insert(g, i, "v")
		require.NoError(t, err)
	}
	for i := int32(0); i < int32(n); i++ {
		_, found, err := tree.Remove(g, i)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.NoError(t, tree.Verify(g))
	require.Equal(t, 0, tree.Count(g))
	require.Equal(t, 1, tree.Height(g))
}

func TestTreeStringKeysAndLowerBoundScan(t *testing.T) {
	tree := New[string, int](keycodec.String{})
	g := tree.Acquire()
	defer g.Release()

	words := []string{"pear", "apple", "grape", "kiwi", "banana", "mango", "fig", "date"}
	for i, w := range words {
		_, _, err := tree.Insert(g, w, i)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Verify(g))

	var scanned []string
	it := tree.LowerBound(g, "fig")
	for it.Valid() {
		scanned = append(scanned, it.Key())
		it.Advance()
	}
	require.Equal(t, []string{"fig", "grape", "kiwi", "mango", "pear"}, scanned)
}

func TestTreeIteratorBeginVisitsAllInOrder(t *testing.T) {
	tree := New[int32, int](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	n := 200
	for i := int32(n - 1); i >= 0; i-- {
		_, _, err := tree.Insert(g, i, int(i))
		require.NoError(t, err)
	}

	var got []int32
	it := tree.Begin(g)
	for it.Valid() {
		got = append(got, it.Key())
		it.Advance()
	}
	require.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

func TestTreeWithRetryBudgetUncontendedSucceeds(t *testing.T) {
	tree := New[int32, string](keycodec.Int32{}, WithRetryBudget[int32, string](1))
	g := tree.Acquire()
	defer g.Release()

	// A tight retry budget only matters once a restart is actually
	// forced by a concurrent writer; an uncontended call never consumes
	// it and must still succeed.
	_, _, err := tree.Insert(g, 1, "v")
	require.NoError(t, err)
	v, ok, err := tree.Lookup(g, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTreeReverseFromSingleLeaf(t *testing.T) {
	tree := New[int32, int](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	for i := int32(0); i < 10; i++ {
		_, _, err := tree.Insert(g, i, int(i))
		require.NoError(t, err)
	}

	out := tree.ReverseFrom(g, 7, 3)
	require.Equal(t, []int{7, 6, 5}, out)
}

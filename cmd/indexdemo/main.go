package main

import (
	"fmt"
	"log"

	"github.com/Spear-Neil/IndexResearch/bptree"
	"github.com/Spear-Neil/IndexResearch/keycodec"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		log.Printf("maxprocs: %v", err)
	}

	tree := bptree.New[int32, string](keycodec.Int32{})
	g := tree.Acquire()
	defer g.Release()

	fmt.Println("=== Insert ===")
	for i := int32(0); i < 40; i++ {
		if _, _, err := tree.Insert(g, i, fmt.Sprintf("value-%d", i)); err != nil {
			log.Fatalf("insert %d: %v", i, err)
		}
	}
	fmt.Printf("inserted %d keys, height %d\n", tree.Count(g), tree.Height(g))

	fmt.Println("\n=== Lookup ===")
	if v, ok, _ := tree.Lookup(g, 17); ok {
		fmt.Printf("key 17 -> %s\n", v)
	}
	if _, ok, _ := tree.Lookup(g, 999); !ok {
		fmt.Println("key 999 absent, as expected")
	}

	fmt.Println("\n=== Update ===")
	if old, ok, _ := tree.Update(g, 17, "seventeen"); ok {
		fmt.Printf("updated key 17, old value %s\n", old)
	}

	fmt.Println("\n=== Remove evens ===")
	for i := int32(0); i < 40; i += 2 {
		if _, _, err := tree.Remove(g, i); err != nil {
			log.Fatalf("remove %d: %v", i, err)
		}
	}
	fmt.Printf("remaining %d keys\n", tree.Count(g))

	fmt.Println("\n=== Scan from 10 ===")
	it := tree.LowerBound(g, 10)
	for it.Valid() {
		fmt.Printf("  %d -> %s\n", it.Key(), it.Value())
		it.Advance()
	}

	if err := tree.Verify(g); err != nil {
		log.Fatalf("tree failed verification: %v", err)
	}
	fmt.Println("\n=== Verify OK ===")
}

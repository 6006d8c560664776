package keycodec

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestUint32OrderPreserving(t *testing.T) {
	var c Uint32
	values := []uint32{0, 1, 2, 255, 256, 65535, 65536, math.MaxUint32}
	checkOrderPreserving(t, c, values)
}

func TestUint64OrderPreserving(t *testing.T) {
	var c Uint64
	values := []uint64{0, 1, 255, 256, 1 << 32, math.MaxUint64}
	checkOrderPreserving(t, c, values)
}

func TestInt32OrderPreserving(t *testing.T) {
	var c Int32
	values := []int32{math.MinInt32, -1000, -1, 0, 1, 1000, math.MaxInt32}
	checkOrderPreserving(t, c, values)
}

func TestInt64OrderPreserving(t *testing.T) {
	var c Int64
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 1000, math.MaxInt64}
	checkOrderPreserving(t, c, values)
}

func TestInt32StraddlesZeroByteCorrectly(t *testing.T) {
	var c Int32
	// 127 and 128 straddle a byte-value boundary that a naive per-byte
	// XOR-0x80 re-bias would invert; this regression guards against
	// reintroducing that transform.
	if Compare(c.Encode(127), c.Encode(128)) >= 0 {
		t.Fatalf("expected encode(127) < encode(128)")
	}
	if Compare(c.Encode(-1), c.Encode(0)) >= 0 {
		t.Fatalf("expected encode(-1) < encode(0)")
	}
}

func TestInt32RoundTrip(t *testing.T) {
	var c Int32
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := int32(r.Uint32())
		if got := c.Decode(c.Encode(v)); got != v {
			t.Fatalf("round trip: got %d want %d", got, v)
		}
	}
}

func TestStringOrderPreserving(t *testing.T) {
	var c String
	values := []string{"", "a", "aa", "ab", "b", "ba", "zzz"}
	checkOrderPreservingString(t, c, values)
}

func TestStringPrefixTiebreak(t *testing.T) {
	var c String
	if Compare(c.Encode("ab"), c.Encode("abc")) >= 0 {
		t.Fatalf("expected \"ab\" < \"abc\"")
	}
	if Compare(c.Encode("b"), c.Encode("ab")) <= 0 {
		t.Fatalf("expected \"b\" > \"ab\"")
	}
}

func TestFeatureZeroPadsPastEnd(t *testing.T) {
	var c String
	enc := c.Encode("hi")
	if c.Feature(enc, 0) != 'h' || c.Feature(enc, 1) != 'i' {
		t.Fatalf("unexpected feature bytes")
	}
	if c.Feature(enc, 5) != 0 {
		t.Fatalf("expected zero-pad past end of encoding")
	}
}

func checkOrderPreserving[K int32 | int64 | uint32 | uint64](t *testing.T, c interface {
	Encode(K) []byte
}, values []K) {
	t.Helper()
	sorted := append([]K(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		a, b := c.Encode(sorted[i-1]), c.Encode(sorted[i])
		if Compare(a, b) >= 0 {
			t.Fatalf("encoding not order preserving at index %d: %v should sort before %v", i, sorted[i-1], sorted[i])
		}
	}
}

func checkOrderPreservingString(t *testing.T, c String, values []string) {
	t.Helper()
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		a, b := c.Encode(sorted[i-1]), c.Encode(sorted[i])
		if Compare(a, b) >= 0 {
			t.Fatalf("encoding not order preserving at index %d: %q should sort before %q", i, sorted[i-1], sorted[i])
		}
	}
}

func TestEqualIsReflexive(t *testing.T) {
	var c String
	enc := c.Encode("matching")
	if !Equal(enc, bytes.Clone(enc)) {
		t.Fatalf("expected Equal to hold for identical bytes")
	}
}

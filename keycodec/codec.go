// Package keycodec implements the order-preserving byte encoding used to
// reduce a tree's key domain (fixed-width integers or variable-length
// strings) to a byte sequence whose ordinary unsigned lexicographic order
// matches the key's natural order. This is the "trait object" DESIGN
// NOTES §9 calls for: one small interface supplying an encoding function,
// a feature-byte extractor at an arbitrary offset, and an anchor-layout
// flag, shared by the inner/leaf node algorithms regardless of key kind.
//
// Grounded on storage/keystring.go's KeyStringBuilder (the teacher's
// MongoDB-compatible order-preserving key encoder): the same bit-flip
// technique for making signed/float values compare correctly as raw
// bytes, narrowed here to exactly the two key kinds this system supports.
package keycodec

// Codec is supplied once, at tree construction, and shared by every node
// in that tree. K is the tree's key type.
type Codec[K any] interface {
	// Encode returns the canonical order-preserving byte encoding of k.
	// Two keys a, b satisfy a < b iff bytes.Compare(Encode(a), Encode(b)) < 0.
	Encode(k K) []byte

	// Feature returns the byte of encoded at the given offset past any
	// node prefix, or 0 if encoded is shorter than offset+1 (the zero-pad
	// called for in §3 "Inner node" for string keys shorter than the
	// feature width).
	Feature(encoded []byte, offset int) byte

	// Variable reports whether this key kind needs anchors (full
	// separator keys) for suffix comparison once the columnar feature
	// bytes are exhausted — true for strings, false for fixed-width
	// integers (§3 "Inner node").
	Variable() bool

	// Decode reconstructs K from its canonical encoding. Used only by
	// tests; the tree keeps the original key in each record, so neither
	// its operations nor Verify call it.
	Decode(encoded []byte) K
}

// Compare is the canonical total order over encoded keys: ordinary
// unsigned lexicographic comparison, with a shorter-is-less tiebreak when
// one is a prefix of the other (matching §3's "length as final
// tiebreak" for strings; fixed-width integer encodings are always equal
// length so the tiebreak never triggers for them).
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Equal reports whether two encoded keys are identical.
func Equal(a, b []byte) bool {
	return Compare(a, b) == 0
}

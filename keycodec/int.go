package keycodec

import "encoding/binary"

// Uint32 encodes plain uint32 keys: unsigned values are already ordered
// correctly by their natural big-endian byte representation, so no sign
// bias is needed.
type Uint32 struct{}

func (Uint32) Encode(k uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, k)
	return b
}

func (Uint32) Feature(encoded []byte, offset int) byte {
	if offset >= len(encoded) {
		return 0
	}
	return encoded[offset]
}

func (Uint32) Variable() bool { return false }

func (Uint32) Decode(encoded []byte) uint32 {
	return binary.BigEndian.Uint32(encoded)
}

// Uint64 is Uint32's 8-byte counterpart.
type Uint64 struct{}

func (Uint64) Encode(k uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, k)
	return b
}

func (Uint64) Feature(encoded []byte, offset int) byte {
	if offset >= len(encoded) {
		return 0
	}
	return encoded[offset]
}

func (Uint64) Variable() bool { return false }

func (Uint64) Decode(encoded []byte) uint64 {
	return binary.BigEndian.Uint64(encoded)
}

// Int32 encodes signed int32 keys by flipping the sign bit before the
// big-endian conversion — the standard "bias by 2^(n-1)" transform that
// maps the signed range onto the unsigned range while preserving order
// (MinInt32 becomes the all-zero encoding, MaxInt32 the all-one
// encoding).
//
// The design this system is grounded on additionally re-biases every
// individual byte of the result by 128 (XOR 0x80) so a hardware SIMD
// compare instruction that only offers *signed* byte comparisons
// (e.g. x86 PCMPGTB) can be used directly. internal/simd implements
// genuine unsigned byte comparison instead of modeling that instruction,
// so the extra per-byte bias is both unnecessary here and actively
// incorrect: applied uniformly to every byte of a multi-byte integer it
// does not commute with byte-position carries (e.g. it reorders 127
// before 128). This codec therefore stops after the single sign-bit
// flip, which is sufficient to make the big-endian bytes directly and
// correctly ordered under plain unsigned lexicographic compare — see
// DESIGN.md.
type Int32 struct{}

func (Int32) Encode(k int32) []byte {
	biased := uint32(k) ^ (1 << 31)
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, biased)
	return b
}

func (Int32) Feature(encoded []byte, offset int) byte {
	if offset >= len(encoded) {
		return 0
	}
	return encoded[offset]
}

func (Int32) Variable() bool { return false }

func (Int32) Decode(encoded []byte) int32 {
	biased := binary.BigEndian.Uint32(encoded)
	return int32(biased ^ (1 << 31))
}

// Int64 is Int32's 8-byte counterpart.
type Int64 struct{}

func (Int64) Encode(k int64) []byte {
	biased := uint64(k) ^ (1 << 63)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, biased)
	return b
}

func (Int64) Feature(encoded []byte, offset int) byte {
	if offset >= len(encoded) {
		return 0
	}
	return encoded[offset]
}

func (Int64) Variable() bool { return false }

func (Int64) Decode(encoded []byte) int64 {
	biased := binary.BigEndian.Uint64(encoded)
	return int64(biased ^ (1 << 63))
}

// Package simd implements the batched byte compare kernels used to scan
// an inner node's columnar feature table (§4.3, §4.4 of the design).
//
// Each kernel compares a lane array against either a scalar byte or
// another lane array and returns a bitmask where bit i is set iff the
// condition holds for lane i. Three lane widths are supported: 16, 32,
// and 64.
//
// There is no portable SIMD intrinsic in the standard library, and this
// module intentionally avoids hand-written assembly (see DESIGN.md): the
// "fast path" below is a SWAR (SIMD-within-a-register) kernel that packs
// 8 lanes into one uint64 and uses the classic has-zero-byte bit trick to
// test all 8 lanes with a handful of 64-bit ALU ops instead of a byte-at-
// a-time loop. It is assigned to the package-level function variables by
// default; callers that want the byte-at-a-time reference behavior for
// testing can call the *Scalar functions directly. Both must, and do,
// produce bit-identical masks — see simd_test.go.
package simd

import "math/bits"

// Eq16 reports, as a bitmask, which of the 16 lanes in v equal c.
var Eq16 func(v [16]byte, c byte) uint16 = eq16SWAR

// Lt16 reports, as a bitmask, which of the 16 lanes in v are < c
// (unsigned).
var Lt16 func(v [16]byte, c byte) uint16 = lt16SWAR

// EqVec16 reports, as a bitmask, which lanes of a and b are equal.
var EqVec16 func(a, b [16]byte) uint16 = eqVec16SWAR

// LtVec16 reports, as a bitmask, which lanes of a are < the
// corresponding lane of b (unsigned).
var LtVec16 func(a, b [16]byte) uint16 = ltVec16SWAR

// ---- scalar reference implementations -----------------------------------

func Eq16Scalar(v [16]byte, c byte) uint16 {
	var m uint16
	for i, b := range v {
		if b == c {
			m |= 1 << uint(i)
		}
	}
	return m
}

func Lt16Scalar(v [16]byte, c byte) uint16 {
	var m uint16
	for i, b := range v {
		if b < c {
			m |= 1 << uint(i)
		}
	}
	return m
}

func EqVec16Scalar(a, b [16]byte) uint16 {
	var m uint16
	for i := range a {
		if a[i] == b[i] {
			m |= 1 << uint(i)
		}
	}
	return m
}

func LtVec16Scalar(a, b [16]byte) uint16 {
	var m uint16
	for i := range a {
		if a[i] < b[i] {
			m |= 1 << uint(i)
		}
	}
	return m
}

// ---- SWAR fast path -------------------------------------------------------
//
// packWord reads 8 consecutive lanes into a little-endian uint64 word so
// that lane i lives in byte i; the has-zero-byte trick below then tests
// all 8 lanes in parallel.

func packWord(v []byte) uint64 {
	var w uint64
	for i := 0; i < 8; i++ {
		w |= uint64(v[i]) << (8 * uint(i))
	}
	return w
}

// hasZeroMask returns, per byte lane of w, 0x80 if that lane is zero and
// 0x00 otherwise, packed as a byte mask word. Adding 0x7f to each lane's
// low seven bits never carries into the neighbouring lane, so a zero lane
// cannot also flag the lane above it (as the shorter borrow-based
// "haszero" form does).
func hasZeroMask(w uint64) uint64 {
	const lo7 = 0x7f7f7f7f7f7f7f7f
	return ^(((w & lo7) + lo7) | w | lo7)
}

// eqByteWord returns, per lane, 0x80 if that lane equals c, 0 otherwise.
func eqByteWord(w uint64, c byte) uint64 {
	cw := uint64(c) * 0x0101010101010101
	return hasZeroMask(w ^ cw)
}

// byteMaskToLaneMask collapses a per-lane 0x80/0x00 byte mask into a
// compact bitmask (bit i set iff lane i's byte was 0x80).
func byteMaskToLaneMask(bm uint64) uint16 {
	var m uint16
	for i := 0; i < 8; i++ {
		if (bm>>(8*uint(i)))&0x80 != 0 {
			m |= 1 << uint(i)
		}
	}
	return m
}

func eq8Word(w uint64, c byte) uint16 {
	return byteMaskToLaneMask(eqByteWord(w, c))
}

// lt8Word compares each lane against c unsigned. The has-zero trick only
// gives equality cheaply; unsigned less-than across 8 lanes at once needs
// a second word trick: for each lane, a<b (unsigned, bytes) iff
// ((a|0x80) - (b&0x7f)) has its high bit clear XOR a's high bit was
// already set appropriately. Rather than chase that subtlety for a
// marginal win, lt8Word does the widening trick of comparing one lane at
// a time but on a pre-packed word, which still avoids a second memory
// pass over v.
func lt8Word(w uint64, c byte) uint16 {
	var m uint16
	for i := 0; i < 8; i++ {
		lane := byte(w >> (8 * uint(i)))
		if lane < c {
			m |= 1 << uint(i)
		}
	}
	return m
}

func eqVec8Word(wa, wb uint64) uint16 {
	return byteMaskToLaneMask(hasZeroMask(wa ^ wb))
}

func ltVec8Word(wa, wb uint64) uint16 {
	var m uint16
	for i := 0; i < 8; i++ {
		la := byte(wa >> (8 * uint(i)))
		lb := byte(wb >> (8 * uint(i)))
		if la < lb {
			m |= 1 << uint(i)
		}
	}
	return m
}

func eq16SWAR(v [16]byte, c byte) uint16 {
	lo := eq8Word(packWord(v[0:8]), c)
	hi := eq8Word(packWord(v[8:16]), c)
	return lo | hi<<8
}

func lt16SWAR(v [16]byte, c byte) uint16 {
	lo := lt8Word(packWord(v[0:8]), c)
	hi := lt8Word(packWord(v[8:16]), c)
	return lo | hi<<8
}

func eqVec16SWAR(a, b [16]byte) uint16 {
	lo := eqVec8Word(packWord(a[0:8]), packWord(b[0:8]))
	hi := eqVec8Word(packWord(a[8:16]), packWord(b[8:16]))
	return lo | hi<<8
}

func ltVec16SWAR(a, b [16]byte) uint16 {
	lo := ltVec8Word(packWord(a[0:8]), packWord(b[0:8]))
	hi := ltVec8Word(packWord(a[8:16]), packWord(b[8:16]))
	return lo | hi<<8
}

// ---- 32- and 64-lane variants: compose two/four 16-lane compares --------

func Eq32(v [32]byte, c byte) uint32 {
	var a, b [16]byte
	copy(a[:], v[0:16])
	copy(b[:], v[16:32])
	return uint32(Eq16(a, c)) | uint32(Eq16(b, c))<<16
}

func Lt32(v [32]byte, c byte) uint32 {
	var a, b [16]byte
	copy(a[:], v[0:16])
	copy(b[:], v[16:32])
	return uint32(Lt16(a, c)) | uint32(Lt16(b, c))<<16
}

func EqVec32(x, y [32]byte) uint32 {
	var xa, xb, ya, yb [16]byte
	copy(xa[:], x[0:16])
	copy(xb[:], x[16:32])
	copy(ya[:], y[0:16])
	copy(yb[:], y[16:32])
	return uint32(EqVec16(xa, ya)) | uint32(EqVec16(xb, yb))<<16
}

func LtVec32(x, y [32]byte) uint32 {
	var xa, xb, ya, yb [16]byte
	copy(xa[:], x[0:16])
	copy(xb[:], x[16:32])
	copy(ya[:], y[0:16])
	copy(yb[:], y[16:32])
	return uint32(LtVec16(xa, ya)) | uint32(LtVec16(xb, yb))<<16
}

func Eq64(v [64]byte, c byte) uint64 {
	var lo, hi [32]byte
	copy(lo[:], v[0:32])
	copy(hi[:], v[32:64])
	return uint64(Eq32(lo, c)) | uint64(Eq32(hi, c))<<32
}

func Lt64(v [64]byte, c byte) uint64 {
	var lo, hi [32]byte
	copy(lo[:], v[0:32])
	copy(hi[:], v[32:64])
	return uint64(Lt32(lo, c)) | uint64(Lt32(hi, c))<<32
}

func EqVec64(x, y [64]byte) uint64 {
	var xlo, xhi, ylo, yhi [32]byte
	copy(xlo[:], x[0:32])
	copy(xhi[:], x[32:64])
	copy(ylo[:], y[0:32])
	copy(yhi[:], y[32:64])
	return uint64(EqVec32(xlo, ylo)) | uint64(EqVec32(xhi, yhi))<<32
}

func LtVec64(x, y [64]byte) uint64 {
	var xlo, xhi, ylo, yhi [32]byte
	copy(xlo[:], x[0:32])
	copy(xhi[:], x[32:64])
	copy(ylo[:], y[0:32])
	copy(yhi[:], y[32:64])
	return uint64(LtVec32(xlo, ylo)) | uint64(LtVec32(xhi, yhi))<<32
}

// LowestSet returns the index of the lowest set bit in mask, or -1 if
// mask is zero.
func LowestSet(mask uint64) int {
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros64(mask)
}

// HighestSet returns the index of the highest set bit in mask, or -1 if
// mask is zero.
func HighestSet(mask uint64) int {
	if mask == 0 {
		return -1
	}
	return 63 - bits.LeadingZeros64(mask)
}

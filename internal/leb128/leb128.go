// Package leb128 implements the DWARF variable-length integer encodings.
//
// Each byte carries 7 value bits; bit 7 is the continuation flag. Signed
// values are sign-extended from bit 6 of the final byte.
package leb128

import "errors"

var (
	ErrTruncated = errors.New("leb128: unexpected end of data")
	ErrOverflow  = errors.New("leb128: value too large")
)

const (
	dataBitsPerByte = 7
	byteMask        = (1 << dataBitsPerByte) - 1 // 0x7f
	continuation    = 0x80
	signBit         = 0x40

	// maxBytes is enough for any 64-bit value.
	maxBytes = 10
)

// Signed ranges covered by one and two encoded bytes.
const (
	MinSigned1 = -(1 << 6)  // -64
	MaxSigned1 = 1<<6 - 1   // 63
	MinSigned2 = -(1 << 13) // -8192
	MaxSigned2 = 1<<13 - 1  // 8191

	MaxUnsigned1 = 1<<7 - 1  // 127
	MaxUnsigned2 = 1<<14 - 1 // 16383
)

// AppendUnsigned appends the minimal ULEB128 encoding of v to dst.
func AppendUnsigned(dst []byte, v uint64) []byte {
	for {
		c := byte(v & byteMask)
		v >>= dataBitsPerByte
		if v != 0 {
			c |= continuation
		}
		dst = append(dst, c)
		if v == 0 {
			return dst
		}
	}
}

// AppendSigned appends the minimal SLEB128 encoding of v to dst.
func AppendSigned(dst []byte, v int64) []byte {
	for {
		c := byte(v & byteMask)
		v >>= dataBitsPerByte
		done := (v == 0 && c&signBit == 0) || (v == -1 && c&signBit != 0)
		if !done {
			c |= continuation
		}
		dst = append(dst, c)
		if done {
			return dst
		}
	}
}

// SizeUnsigned returns the number of bytes AppendUnsigned writes for v.
func SizeUnsigned(v uint64) int {
	n := 1
	for v >>= dataBitsPerByte; v != 0; v >>= dataBitsPerByte {
		n++
	}
	return n
}

// SizeSigned returns the number of bytes AppendSigned writes for v.
func SizeSigned(v int64) int {
	n := 1
	for {
		c := v & byteMask
		v >>= dataBitsPerByte
		if (v == 0 && c&signBit == 0) || (v == -1 && c&signBit != 0) {
			return n
		}
		n++
	}
}

// DecodeUnsigned decodes a ULEB128 value from the start of b.
// Returns the value and the number of bytes consumed.
func DecodeUnsigned(b []byte) (uint64, int, error) {
	var r uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i >= maxBytes {
			return 0, 0, ErrOverflow
		}
		c := b[i]
		r |= uint64(c&byteMask) << shift
		shift += dataBitsPerByte
		if c&continuation == 0 {
			return r, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

// DecodeSigned decodes an SLEB128 value from the start of b.
// Returns the value and the number of bytes consumed.
func DecodeSigned(b []byte) (int64, int, error) {
	var r int64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i >= maxBytes {
			return 0, 0, ErrOverflow
		}
		c := b[i]
		r |= int64(c&byteMask) << shift
		shift += dataBitsPerByte
		if c&continuation == 0 {
			if shift < 64 && c&signBit != 0 {
				r |= -1 << shift
			}
			return r, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

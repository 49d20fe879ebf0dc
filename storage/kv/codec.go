// Package kv provides the fixed-width key/value encoders the hash and
// B+tree page layouts need to pack entries into a page-sized byte array,
// following the original engine's SerializeInt64/SerializeString style
// helpers.
package kv

import "encoding/binary"

// Codec encodes and decodes a value of type T to and from a fixed-width
// byte slice of exactly Size bytes.
type Codec[T any] struct {
	Size   int
	Encode func(v T, out []byte)
	Decode func(in []byte) T
}

// Int64Codec encodes a signed 64-bit integer key or value, little-endian.
func Int64Codec() Codec[int64] {
	return Codec[int64]{
		Size: 8,
		Encode: func(v int64, out []byte) {
			binary.LittleEndian.PutUint64(out, uint64(v))
		},
		Decode: func(in []byte) int64 {
			return int64(binary.LittleEndian.Uint64(in))
		},
	}
}

// Int32Codec encodes a signed 32-bit integer key or value, little-endian.
func Int32Codec() Codec[int32] {
	return Codec[int32]{
		Size: 4,
		Encode: func(v int32, out []byte) {
			binary.LittleEndian.PutUint32(out, uint32(v))
		},
		Decode: func(in []byte) int32 {
			return int32(binary.LittleEndian.Uint32(in))
		},
	}
}

// StringCodec encodes a string into a fixed width slot: the string's bytes
// followed by zero padding, truncated if it exceeds width. Trailing zero
// bytes are stripped on decode, so keys must not themselves contain NUL.
func StringCodec(width int) Codec[string] {
	return Codec[string]{
		Size: width,
		Encode: func(v string, out []byte) {
			n := copy(out, v)
			for i := n; i < width; i++ {
				out[i] = 0
			}
		},
		Decode: func(in []byte) string {
			end := len(in)
			for end > 0 && in[end-1] == 0 {
				end--
			}
			return string(in[:end])
		},
	}
}

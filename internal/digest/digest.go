// Package digest normalizes an externally produced hash digest into the
// fixed-width unsigned integer a sketch needs, reading only the number
// of low-order bytes that width requires, little-endian.
//
// This is the hash ingestion adapter: the sketches themselves never
// choose or run a hash function over caller data, they only reinterpret
// a fixed prefix of whatever digest the caller already produced.
package digest

import "encoding/binary"

// Uint32LE reads the low 4 bytes of data as a little-endian uint32.
// ok is false if data is shorter than 4 bytes.
func Uint32LE(data []byte) (x uint32, ok bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[:4]), true
}

// Uint64LE reads the low 8 bytes of data as a little-endian uint64.
// ok is false if data is shorter than 8 bytes.
func Uint64LE(data []byte) (x uint64, ok bool) {
	if len(data) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[:8]), true
}

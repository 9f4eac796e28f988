// Package ulid provides 26-character, lexicographically sortable identifiers.
//
// # Format
//
// An identifier is Crockford Base32 (alphabet 0123456789ABCDEFGHJKMNPQRSTVWXYZ,
// no I, L, O, U): the first 10 characters encode a 48-bit millisecond Unix
// timestamp most-significant bits first, the remaining 16 characters encode
// 80 bits of randomness. Byte-wise comparison of identifiers generated in
// distinct milliseconds preserves chronological order; within one millisecond
// the order is undefined.
//
// The package clock is exposed as the swappable Now variable so tests can pin
// time deterministically.
//
// Usage
//
//	id := ulid.Generate()
//	ms := ulid.ExtractTimestamp(id)
//	ok := ulid.IsValid(id)
package ulid

package protocol

import "crypto/rand"

// MaskBytes XORs b in place with key, starting at key offset pos, and
// returns the offset to continue with. Applying it twice restores b.
func MaskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() [4]byte {
	var k [4]byte
	_, _ = rand.Read(k[:])
	return k
}

// Package keystream implements the RC4-derived keystream used for bulk
// encryption of chat traffic. The schedule deliberately deviates from
// textbook RC4 in three ways that are part of the wire contract and must
// not be "fixed": the key byte length is derived from the population count
// of the key rather than its magnitude, the mixing loop runs 255 times
// leaving S[255] potentially unswapped, and the key material is the key
// zero-padded to 256 little-endian bytes.
package keystream

import (
	"math/big"
	"math/bits"
)

// keyMaterialSize is the fixed size the integer key is serialized to.
const keyMaterialSize = 256

// Generator produces a deterministic byte stream from an integer key.
// Two generators seeded with equal keys emit identical streams. A
// Generator is not safe for concurrent use; callers serialize access.
type Generator struct {
	state [256]byte
	i, j  int
}

// New creates a generator seeded with the given non-negative integer key.
func New(key *big.Int) *Generator {
	g := &Generator{}

	keyBytes := littleEndianKeyBytes(key)
	keyLen := keyByteLen(key)

	for i := range g.state {
		g.state[i] = byte(i)
	}

	j := 0
	for i := 0; i < 255; i++ {
		j = (j + int(g.state[i]) + int(keyBytes[i%keyLen])) % 256
		g.state[i], g.state[j] = g.state[j], g.state[i]
	}

	g.i = 0
	g.j = 0
	return g
}

// keyByteLen is ceil(popcount(key) / 8), clamped to at least one byte so
// that a zero key indexes the zero-padded material instead of dividing by
// zero.
func keyByteLen(key *big.Int) int {
	ones := 0
	for _, w := range key.Bits() {
		ones += bits.OnesCount(uint(w))
	}
	n := (ones + 7) / 8
	if n == 0 {
		n = 1
	}
	return n
}

// littleEndianKeyBytes serializes the key as 256 little-endian bytes.
func littleEndianKeyBytes(key *big.Int) []byte {
	be := key.Bytes()
	out := make([]byte, keyMaterialSize)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}

// Next advances the generator and returns the next keystream byte.
func (g *Generator) Next() byte {
	g.i = (g.i + 1) % 256
	g.j = (g.j + int(g.state[g.i])) % 256
	g.state[g.i], g.state[g.j] = g.state[g.j], g.state[g.i]
	return g.state[(int(g.state[g.i])+int(g.state[g.j]))%256]
}

// Gamma returns the next n keystream bytes.
func (g *Generator) Gamma(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// XORBytes returns the element-wise XOR of a and b truncated to the
// shorter of the two.
func XORBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

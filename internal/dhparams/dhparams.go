// Package dhparams generates the Diffie-Hellman group used by the chat
// protocol: a random prime of configured bit length and a primitive root
// modulo that prime, found by checking candidates against the distinct
// prime factors of the totient.
package dhparams

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// DefaultPrimeBits is the bit length of the group modulus.
const DefaultPrimeBits = 64

// DefaultRootBits is the bit length of primitive-root candidates.
const DefaultRootBits = 32

// Params is a Diffie-Hellman group. Generated once at server startup and
// read-only afterwards.
type Params struct {
	G *big.Int
	P *big.Int
}

// Generate builds a group: a random primeBits-bit prime and a rootBits-bit
// primitive root modulo it.
func Generate(primeBits, rootBits int) (Params, error) {
	p, err := RandomPrime(primeBits)
	if err != nil {
		return Params{}, fmt.Errorf("generate prime: %w", err)
	}
	g, err := FindPrimitiveRoot(rootBits, p)
	if err != nil {
		return Params{}, fmt.Errorf("find primitive root: %w", err)
	}
	return Params{G: g, P: p}, nil
}

// RandomPrime samples random odd integers of the given bit length and
// Miller-Rabin tests them until one passes.
func RandomPrime(bits int) (*big.Int, error) {
	if bits < 2 {
		return nil, fmt.Errorf("prime bit length %d too small", bits)
	}
	return rand.Prime(rand.Reader, bits)
}

// FindPrimitiveRoot draws random candidates of the given bit length until
// one generates the full multiplicative group modulo p. A candidate g is
// accepted iff gcd(g, p) = 1 and g^((p-1)/q) != 1 (mod p) for every
// distinct prime factor q of p-1.
func FindPrimitiveRoot(bits int, p *big.Int) (*big.Int, error) {
	totient := new(big.Int).Sub(p, one)
	divisors := DistinctPrimeFactors(totient)

	bound := new(big.Int).Lsh(one, uint(bits))
	for {
		g, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return nil, fmt.Errorf("draw candidate: %w", err)
		}
		if new(big.Int).GCD(nil, nil, g, p).Cmp(one) != 0 {
			continue
		}
		if generatesGroup(g, p, totient, divisors) {
			return g, nil
		}
	}
}

func generatesGroup(g, p, totient *big.Int, divisors []*big.Int) bool {
	exp := new(big.Int)
	for _, q := range divisors {
		exp.Div(totient, q)
		if new(big.Int).Exp(g, exp, p).Cmp(one) == 0 {
			return false
		}
	}
	return true
}

// RandomSecret draws a uniform exponent in [2, p-1].
func RandomSecret(p *big.Int) (*big.Int, error) {
	// rand.Int over [0, p-2), shifted up by 2.
	span := new(big.Int).Sub(p, two)
	if span.Sign() <= 0 {
		return nil, fmt.Errorf("modulus %v too small", p)
	}
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return nil, fmt.Errorf("draw secret: %w", err)
	}
	return n.Add(n, two), nil
}

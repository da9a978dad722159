package dhparams

import (
	"crypto/rand"
	"math/big"
	"sort"
)

// trialBound bounds the small-prime trial division pass. Pollard rho
// handles whatever survives it.
const trialBound = 10000

// DistinctPrimeFactors returns the distinct prime factors of n in
// ascending order. The input is a totient of a 64-bit prime in
// practice, so trial division plus Pollard rho is sufficient.
func DistinctPrimeFactors(n *big.Int) []*big.Int {
	seen := make(map[string]*big.Int)

	if n.Sign() <= 0 {
		return nil
	}

	// Strip small primes first.
	rem := new(big.Int).Set(n)
	mod := new(big.Int)
	for d := int64(2); d <= trialBound; d++ {
		div := big.NewInt(d)
		if mod.Mod(rem, div).Sign() != 0 {
			continue
		}
		seen[div.String()] = div
		for mod.Mod(rem, div).Sign() == 0 {
			rem.Div(rem, div)
		}
	}

	// Split what remains with Pollard rho.
	stack := []*big.Int{rem}
	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if m.Cmp(one) <= 0 {
			continue
		}
		if m.ProbablyPrime(20) {
			seen[m.String()] = m
			continue
		}
		d := pollardRho(m)
		stack = append(stack, d, new(big.Int).Div(m, d))
	}

	factors := make([]*big.Int, 0, len(seen))
	for _, f := range seen {
		factors = append(factors, f)
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i].Cmp(factors[j]) < 0 })
	return factors
}

// pollardRho finds a nontrivial factor of a composite odd n using
// Floyd's cycle finding (tortoise and hare).
func pollardRho(n *big.Int) *big.Int {
	if new(big.Int).And(n, one).Sign() == 0 {
		return new(big.Int).Set(two)
	}

	for {
		c, err := rand.Int(rand.Reader, n)
		if err != nil || c.Sign() == 0 {
			c = big.NewInt(1)
		}

		f := func(x *big.Int) *big.Int {
			y := new(big.Int).Mul(x, x)
			y.Add(y, c)
			return y.Mod(y, n)
		}

		x := big.NewInt(2)
		y := big.NewInt(2)
		d := big.NewInt(1)
		diff := new(big.Int)

		for d.Cmp(one) == 0 {
			x = f(x)
			y = f(f(y))
			diff.Sub(x, y)
			diff.Abs(diff)
			if diff.Sign() == 0 {
				break
			}
			d.GCD(nil, nil, diff, n)
		}

		if d.Cmp(one) != 0 && d.Cmp(n) != 0 {
			return d
		}
		// Cycle without a factor: retry with a fresh constant.
	}
}

// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package queuecode generates the short human codes identifying queues.
package queuecode

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
)

// Generator draws codes from a restricted alphabet with a configured
// minimum entropy. After a uniqueness collision the caller regenerates
// with extra bits, shrinking the collision odds instead of spinning on a
// crowded length.
type Generator struct {
	alphabet  string
	minBits   int
	retryBits int
}

// New validates the alphabet and builds a generator.
func New(alphabet string, minBits, retryBits int) (*Generator, error) {
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("code alphabet needs at least 2 characters, got %d", len(alphabet))
	}
	seen := make(map[byte]struct{}, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		if _, dup := seen[alphabet[i]]; dup {
			return nil, fmt.Errorf("code alphabet has duplicate character %q", alphabet[i])
		}
		seen[alphabet[i]] = struct{}{}
	}
	if minBits <= 0 || retryBits <= 0 {
		return nil, fmt.Errorf("code entropy settings must be positive")
	}
	return &Generator{alphabet: alphabet, minBits: minBits, retryBits: retryBits}, nil
}

// Generate draws a fresh code after the given number of collisions:
// attempt 0 carries min_bits of entropy, each retry adds retry_bits.
func (g *Generator) Generate(collisions int) (string, error) {
	bits := g.minBits + collisions*g.retryBits
	length := g.lengthFor(bits)

	code := make([]byte, length)
	max := big.NewInt(int64(len(g.alphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random code character: %w", err)
		}
		code[i] = g.alphabet[n.Int64()]
	}
	return string(code), nil
}

// lengthFor returns the smallest code length carrying at least bits of
// entropy over the alphabet.
func (g *Generator) lengthFor(bits int) int {
	perChar := math.Log2(float64(len(g.alphabet)))
	return int(math.Ceil(float64(bits) / perChar))
}

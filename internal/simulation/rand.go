package simulation

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// RandSource hands out a generator for one simulation call.
type RandSource func() *rand.Rand

// NewRand returns a PCG generator fully determined by seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewSeed draws a seed from the operating system's secure source.
func NewSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; keep a usable seed anyway.
		return rand.Uint64()
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Seeded returns a source whose every generator starts from the same seed.
func Seeded(seed uint64) RandSource {
	return func() *rand.Rand { return NewRand(seed) }
}

// Secure returns a source that seeds each generator from crypto/rand.
func Secure() RandSource {
	return func() *rand.Rand { return NewRand(NewSeed()) }
}

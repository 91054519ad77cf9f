package nn

import (
	"math"
	"math/rand"
)

// GlorotUniform returns a Xavier (Glorot) initializer drawing from
// U(-sqrt(6/(fanIn+fanOut)), sqrt(6/(fanIn+fanOut))).
//
// This initialization helps maintain variance of activations across layers.
// The returned function is a pure function of (row, col), so every rank of a
// distributed weight tensor reconstructs the same logical values.
func GlorotUniform(fanIn, fanOut int, seed int64) func(row, col int) float64 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return func(row, col int) float64 {
		//nolint:gosec // math/rand for weight initialization (not security-critical)
		rng := rand.New(rand.NewSource(seed + int64(row)*1000003 + int64(col)))
		return (rng.Float64()*2.0 - 1.0) * bound
	}
}

// HeUniform returns a Kaiming initializer drawing from
// U(-sqrt(6/fanIn), sqrt(6/fanIn)), the usual choice ahead of rectifier
// activations.
func HeUniform(fanIn int, seed int64) func(row, col int) float64 {
	bound := math.Sqrt(6.0 / float64(fanIn))
	return func(row, col int) float64 {
		//nolint:gosec // math/rand for weight initialization (not security-critical)
		rng := rand.New(rand.NewSource(seed + int64(row)*1000003 + int64(col)))
		return (rng.Float64()*2.0 - 1.0) * bound
	}
}

// Constant returns an initializer filling every entry with v. Commonly used
// for bias initialization.
func Constant(v float64) func(row, col int) float64 {
	return func(row, col int) float64 { return v }
}

package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFloats_RoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.0, 0, 42.125}
	b := ToBytes(vec)
	require.Len(t, b, len(vec)*4)

	back := ToFloats(b)
	assert.Equal(t, vec, back)

	// Bytes -> floats -> bytes is the identity on 4-aligned input.
	assert.Equal(t, b, ToBytes(ToFloats(b)))
}

func TestToFloats_RejectsUnalignedInput(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x01}},
		{"three bytes", []byte{0x01, 0x02, 0x03}},
		{"five bytes", []byte{0x01, 0x02, 0x03, 0x04, 0x05}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Nil(t, ToFloats(tc.in))
		})
	}
}

func TestCosine_Identical(t *testing.T) {
	v := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-9)
}

func TestCosine_Orthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)
}

func TestCosine_Opposite(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	assert.InDelta(t, -1.0, Cosine(a, b), 1e-9)
}

func TestCosine_ZeroNorm(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	assert.Equal(t, 0.0, Cosine(a, b))
	assert.Equal(t, 0.0, Cosine(b, a))
}

func TestCosine_DimensionMismatch(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0, 0}
	assert.Equal(t, 0.0, Cosine(a, b))
}

func TestCosine_SymmetricAndScaleInvariant(t *testing.T) {
	a := []float32{0.3, -0.7, 0.2, 0.9}
	b := []float32{-0.1, 0.4, 0.8, 0.5}

	assert.InDelta(t, Cosine(a, b), Cosine(b, a), 1e-12)

	scale := func(v []float32, k float32) []float32 {
		out := make([]float32, len(v))
		for i := range v {
			out[i] = v[i] * k
		}
		return out
	}
	assert.InDelta(t, Cosine(a, b), Cosine(scale(a, 2.5), scale(b, 7)), 1e-6)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)

	var norm float64
	for _, f := range n {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Original untouched.
	assert.Equal(t, []float32{3, 4}, v)
}

func TestNormalize_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.Equal(t, v, Normalize(v))
}

func TestDistance(t *testing.T) {
	a := []float32{1, 0}
	assert.InDelta(t, 0.0, Distance(a, a), 1e-9)
	assert.InDelta(t, 1.0, Distance(a, []float32{0, 1}), 1e-9)
}

// Package embedding holds the vector math shared by the matcher, the
// auto-enrollment gate, and the profile loader. Embeddings travel as packed
// little-endian float32 bytes and are compared with cosine similarity.
package embedding

import (
	"encoding/binary"
	"math"
)

// ToFloats decodes a packed little-endian float32 sequence. Inputs whose
// length is not a multiple of 4 are invalid and yield nil; callers treat
// that as an empty vector.
func ToFloats(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// ToBytes is the inverse of ToFloats.
func ToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Dimension
// mismatch or a zero-norm operand yields 0. Accumulation runs in float64
// so long vectors don't lose precision.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Guard against float drift outside the mathematical range.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// Distance returns the cosine distance 1 - cos(a, b), used by the
// auto-enrollment diversity gate.
func Distance(a, b []float32) float64 {
	return 1 - Cosine(a, b)
}

// Normalize returns an L2-normalized copy of v. A zero-norm vector is
// returned unchanged (a copy) so callers never divide by zero.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

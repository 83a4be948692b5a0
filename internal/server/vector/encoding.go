package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/viant/vec/search"
)

// EncodeEmbedding packs vec as little-endian IEEE 754 float32 values with
// no length prefix.
func EncodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeEmbedding reverses EncodeEmbedding
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// CosineDistance returns 1 minus the cosine similarity of a and b. qm is the
// magnitude of a, or 0 to compute it. ok is false when the lengths differ or
// either vector has zero magnitude.
func CosineDistance(a, b []float32, qm float32) (dist float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	va := search.Float32s(a)
	if qm == 0 {
		qm = va.Magnitude()
	}
	bm := search.Float32s(b).Magnitude()
	if qm == 0 || bm == 0 {
		return 0, false
	}
	dist = float64(va.CosineDistanceWithMagnitude(b, qm, bm))
	if math.IsNaN(dist) {
		return 0, false
	}
	return dist, true
}

package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEngine produces deterministic hash-derived vectors. Identical texts
// embed identically, distinct texts almost never collide, and vectors are
// unit length so cosine math behaves.
type MockEngine struct {
	dimension int
}

var _ Engine = (*MockEngine)(nil)

// NewMockEngine builds a mock engine of the given dimensionality.
func NewMockEngine(dimension int) *MockEngine {
	if dimension <= 0 {
		dimension = 16
	}
	return &MockEngine{dimension: dimension}
}

func (m *MockEngine) Name() string    { return "mock" }
func (m *MockEngine) Dimensions() int { return m.dimension }

// Embed derives a unit vector from the text hash.
func (m *MockEngine) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, m.dimension)
	seed := sha256.Sum256([]byte(text))
	state := seed[:]
	var norm float64
	for i := range v {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(state)
			state = next[:]
		}
		bits := binary.LittleEndian.Uint32(state[(i%8)*4:])
		v[i] = float32(bits%2000)/1000 - 1 // [-1, 1)
		norm += float64(v[i]) * float64(v[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v, nil
}

// EmbedBatch embeds each text independently.
func (m *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

package memory

import (
	"math"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Embedder maps text to a fixed-dimension vector by hashing tokens into
// buckets. It is deterministic and cheap; the point is stable similarity
// ranking over the fragment log, not semantic embedding quality.
type Embedder struct {
	dim int
}

// NewEmbedder returns an embedder producing dim-dimensional vectors.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &Embedder{dim: dim}
}

// Embed tokenizes text on non-alphanumeric boundaries, hashes each token with
// blake3, and accumulates signed counts into hash buckets. The result is
// L2-normalized so cosine similarity reduces to a dot product over unit
// vectors.
func (e *Embedder) Embed(text string) []float64 {
	vec := make([]float64, e.dim)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		sum := blake3.Sum256([]byte(tok))
		bucket := int(sum[0])<<8 | int(sum[1])
		sign := 1.0
		if sum[2]&1 == 1 {
			sign = -1.0
		}
		vec[bucket%e.dim] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths or
// zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package memory

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// embeddingDim is the fixed dimensionality of the hashed bag-of-tokens
// embedding. Changing it invalidates stored embeddings.
const embeddingDim = 128

// Embed maps text to a deterministic, l2-normalized vector: tokens are
// lowercased, split on non-alphanumerics, FNV-hashed into buckets, and
// counted. The ranking contract only requires determinism and stable
// ordering, not semantic quality, so a pluggable hashed embedding keeps the
// layer self-contained.
func Embed(text string) []float64 {
	vec := make([]float64, embeddingDim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%embeddingDim]++
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors of equal length.
// Mismatched or zero vectors score zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
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

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

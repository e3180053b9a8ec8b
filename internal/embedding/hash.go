package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder. Each lowercased word is
// hashed into one signed bucket and the result is L2-normalized, so texts
// sharing words have proportionally similar vectors.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder; dims <= 0 selects 384.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

// EmbedBatch embeds every text; it never fails unless ctx is done.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) Dims() int { return h.dims }

func (h *HashEmbedder) vector(text string) Vector {
	v := make(Vector, h.dims)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			tokens = []string{t}
		}
	}
	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		bucket := sum % uint64(h.dims)
		if sum>>63 == 1 {
			v[bucket]--
		} else {
			v[bucket]++
		}
	}
	return Normalize(v)
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package risk

import (
	"fmt"
	"strings"
)

// Vectorizer turns free text into TF-IDF weights over a fixed vocabulary.
// It is immutable after construction and safe for concurrent use.
type Vectorizer struct {
	vocabulary []string
	index      map[string]int
	idf        []float64
}

// NewVectorizer builds a vectorizer. idf is aligned with vocabulary.
func NewVectorizer(vocabulary []string, idf []float64) (*Vectorizer, error) {
	if len(vocabulary) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrModelLoad)
	}
	if len(idf) != len(vocabulary) {
		return nil, fmt.Errorf("%w: %d idf weights for %d terms", ErrModelLoad, len(idf), len(vocabulary))
	}
	v := &Vectorizer{
		vocabulary: append([]string(nil), vocabulary...),
		index:      make(map[string]int, len(vocabulary)),
		idf:        append([]float64(nil), idf...),
	}
	for i, term := range vocabulary {
		if _, dup := v.index[term]; dup {
			return nil, fmt.Errorf("%w: duplicate term %q", ErrModelLoad, term)
		}
		v.index[term] = i
	}
	return v, nil
}

// Size is the length of every vector Transform returns.
func (v *Vectorizer) Size() int { return len(v.vocabulary) }

// Index returns the vector position of term.
func (v *Vectorizer) Index(term string) (int, bool) {
	i, ok := v.index[term]
	return i, ok
}

// Transform cleans text and returns its TF-IDF vector. Term frequency is
// count / total words, so words outside the vocabulary still dilute it.
func (v *Vectorizer) Transform(text string) []float64 {
	vec := make([]float64, len(v.vocabulary))
	words := strings.Fields(CleanText(text))
	if len(words) == 0 {
		return vec
	}

	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	total := float64(len(words))
	for w, n := range counts {
		if i, ok := v.index[w]; ok {
			vec[i] = float64(n) / total * v.idf[i]
		}
	}
	return vec
}

// CleanText replaces every character other than an ASCII letter or digit
// with a space, lowercases and trims.
func CleanText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, s)
	return strings.TrimSpace(strings.ToLower(cleaned))
}

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
)

// maxArtifactSize caps a model or vectorizer file.
const maxArtifactSize = 64 << 20

// Model bundles the loaded forest with the vectorizer it was trained on.
type Model struct {
	Forest     *Forest
	Vectorizer *Vectorizer
}

// Fetcher reads an artifact by URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// DefaultFetcher reads local paths and gs://bucket/object URIs. The GCS
// client is created on first use with application default credentials.
type DefaultFetcher struct {
	gcs *storage.Client
}

// NewGCSFetcher wraps an existing storage client.
func NewGCSFetcher(client *storage.Client) *DefaultFetcher {
	return &DefaultFetcher{gcs: client}
}

// Fetch implements Fetcher.
func (f *DefaultFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, ok := parseGCSURI(uri)
	if !ok {
		return readLocal(uri)
	}

	client := f.gcs
	if client == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		defer c.Close()
		client = c
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

func readLocal(path string) ([]byte, error) {
	fh, err := os.Open(path) // #nosec G304 -- operator-supplied artifact path
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return io.ReadAll(io.LimitReader(fh, maxArtifactSize))
}

// parseGCSURI splits gs://bucket/object.
func parseGCSURI(uri string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(uri, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// LoadArtifacts fetches and decodes the vectorizer and model. Every failure
// wraps ErrModelLoad.
func LoadArtifacts(ctx context.Context, fetcher Fetcher, modelURI, vectorizerURI string) (*Model, error) {
	if modelURI == "" || vectorizerURI == "" {
		return nil, fmt.Errorf("%w: model and vectorizer URIs required", ErrModelLoad)
	}
	if fetcher == nil {
		fetcher = &DefaultFetcher{}
	}

	vecData, err := fetcher.Fetch(ctx, vectorizerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrModelLoad, vectorizerURI, err)
	}
	vec, err := DecodeVectorizer(vecData)
	if err != nil {
		return nil, err
	}

	modelData, err := fetcher.Fetch(ctx, modelURI)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrModelLoad, modelURI, err)
	}
	forest, err := decodeForest(modelData, vec)
	if err != nil {
		return nil, err
	}
	return &Model{Forest: forest, Vectorizer: vec}, nil
}

// DecodeModel decodes both artifacts from memory.
func DecodeModel(modelData, vectorizerData []byte) (*Model, error) {
	vec, err := DecodeVectorizer(vectorizerData)
	if err != nil {
		return nil, err
	}
	forest, err := decodeForest(modelData, vec)
	if err != nil {
		return nil, err
	}
	return &Model{Forest: forest, Vectorizer: vec}, nil
}

type vectorizerJSON struct {
	Vocabulary []string        `json:"vocabulary"`
	IDF        json.RawMessage `json:"idf"`
}

// DecodeVectorizer parses {"vocabulary": [...], "idf": [...] | {term: w}}.
// Vector positions follow the vocabulary list. An idf list is in column
// order of the fitted vectorizer, which sorts its terms, so idf[i] belongs
// to the i-th term in sorted order. A map must cover every vocabulary term.
func DecodeVectorizer(data []byte) (*Vectorizer, error) {
	var raw vectorizerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: vectorizer: %v", ErrModelLoad, err)
	}

	var idf []float64
	trimmed := strings.TrimSpace(string(raw.IDF))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var columns []float64
		if err := json.Unmarshal(raw.IDF, &columns); err != nil {
			return nil, fmt.Errorf("%w: idf: %v", ErrModelLoad, err)
		}
		if len(columns) != len(raw.Vocabulary) {
			return nil, fmt.Errorf("%w: %d idf weights for %d terms", ErrModelLoad, len(columns), len(raw.Vocabulary))
		}
		sorted := slices.Clone(raw.Vocabulary)
		slices.Sort(sorted)
		byTerm := make(map[string]float64, len(sorted))
		for i, term := range sorted {
			byTerm[term] = columns[i]
		}
		idf = make([]float64, len(raw.Vocabulary))
		for i, term := range raw.Vocabulary {
			idf[i] = byTerm[term]
		}
	case strings.HasPrefix(trimmed, "{"):
		var byTerm map[string]float64
		if err := json.Unmarshal(raw.IDF, &byTerm); err != nil {
			return nil, fmt.Errorf("%w: idf: %v", ErrModelLoad, err)
		}
		idf = make([]float64, len(raw.Vocabulary))
		for i, term := range raw.Vocabulary {
			w, ok := byTerm[term]
			if !ok {
				return nil, fmt.Errorf("%w: no idf for %q", ErrModelLoad, term)
			}
			idf[i] = w
		}
	default:
		return nil, fmt.Errorf("%w: idf missing", ErrModelLoad)
	}
	return NewVectorizer(raw.Vocabulary, idf)
}

// Package risk scores transactions and contract code with a pre-trained
// tree ensemble over TF-IDF text features.
//
// The model is optional. Without one every score is the neutral
// {Fraudulent: false, Confidence: 0.5, Status: "Model not loaded"}, so the
// rest of the pipeline keeps working on heuristics alone. Every score is
// appended to an audit Store in the background.
package risk

import (
	"context"
	"errors"
	"time"
)

// ErrModelLoad is returned when model artifacts cannot be fetched or decoded.
var ErrModelLoad = errors.New("risk: model load failed")

// Status strings reported with a score.
const (
	StatusSecure     = "Secure"
	StatusFraudulent = "Vulnerable (Fraudulent)"
	StatusNotLoaded  = "Model not loaded"
)

// FraudThreshold is the vote share above which a score is fraudulent.
const FraudThreshold = 0.5

// Score is the classifier's verdict.
type Score struct {
	Fraudulent bool    `json:"fraudulent"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Loaded     bool    `json:"loaded"`
}

// Neutral is the score used when no model is loaded.
func Neutral() Score {
	return Score{Fraudulent: false, Confidence: 0.5, Status: StatusNotLoaded}
}

// Kind is what was scored.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindContract    Kind = "contract"
)

// Assessment is one recorded score.
type Assessment struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Subject     string    `json:"subject"` // sender or contract address; may be empty
	Fraudulent  bool      `json:"fraudulent"`
	Confidence  float64   `json:"confidence"`
	Status      string    `json:"status"`
	Loaded      bool      `json:"loaded"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error)
}

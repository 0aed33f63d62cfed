package risk

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/idgen"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/traces"
)

// recordTimeout bounds one background store write.
const recordTimeout = 5 * time.Second

// Transaction is the part of a transaction the classifier reads.
type Transaction struct {
	Sender    string
	Recipient string // empty for deposits
	Amount    decimal.Decimal
	Kind      string // deposit | send
	At        time.Time
}

// TransactionText renders tx in the layout the model was trained on:
// amount, recipient, kind and an ISO-8601 UTC timestamp with milliseconds.
func TransactionText(tx Transaction) string {
	ts := ""
	if !tx.At.IsZero() {
		ts = tx.At.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return strings.Join([]string{tx.Amount.String(), tx.Recipient, tx.Kind, ts}, " ")
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithStore records every score to s.
func WithStore(s Store) Option {
	return func(c *Classifier) { c.store = s }
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithClock overrides time.Now for assessment timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// Classifier scores text with a loaded Model. A nil model yields Neutral.
// It is safe for concurrent use.
type Classifier struct {
	model  *Model
	store  Store
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewClassifier creates a classifier over model, which may be nil.
func NewClassifier(model *Model, opts ...Option) *Classifier {
	c := &Classifier{model: model, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.Loaded() {
		metrics.ModelLoaded.Set(1)
	} else {
		metrics.ModelLoaded.Set(0)
	}
	return c
}

// Loaded reports whether a model is available.
func (c *Classifier) Loaded() bool {
	return c.model != nil && c.model.Forest != nil && c.model.Vectorizer != nil
}

// Model returns the loaded model or nil.
func (c *Classifier) Model() *Model { return c.model }

// Predict scores text without recording it.
func (c *Classifier) Predict(text string) Score {
	if !c.Loaded() {
		return Neutral()
	}
	vec := c.model.Vectorizer.Transform(text)
	votes := c.model.Forest.Votes(vec)
	confidence := float64(votes) / float64(c.model.Forest.Trees())

	s := Score{Confidence: confidence, Loaded: true, Status: StatusSecure}
	if confidence > FraudThreshold {
		s.Fraudulent = true
		s.Status = StatusFraudulent
	}
	return s
}

// ClassifyTransaction scores tx and records the assessment under its sender.
func (c *Classifier) ClassifyTransaction(ctx context.Context, tx Transaction) Score {
	return c.classify(ctx, KindTransaction, tx.Sender, TransactionText(tx), true)
}

// ScoreTransaction scores tx like ClassifyTransaction but records nothing.
// Dry runs use it: anyone may analyze a transaction for any sender.
func (c *Classifier) ScoreTransaction(ctx context.Context, tx Transaction) Score {
	return c.classify(ctx, KindTransaction, tx.Sender, TransactionText(tx), false)
}

// ClassifyText scores arbitrary text such as contract source or bytecode.
// subject is stored with the assessment and may be empty.
func (c *Classifier) ClassifyText(ctx context.Context, subject, text string) Score {
	return c.classify(ctx, KindContract, subject, text, true)
}

func (c *Classifier) classify(ctx context.Context, kind Kind, subject, text string, record bool) Score {
	_, span := traces.StartSpan(ctx, "risk.classify", traces.Kind(string(kind)))
	defer span.End()

	s := c.Predict(text)
	span.SetAttributes(traces.Confidence(s.Confidence))

	verdict := "secure"
	switch {
	case !s.Loaded:
		verdict = "not_loaded"
	case s.Fraudulent:
		verdict = "fraudulent"
	}
	metrics.RiskScoresTotal.WithLabelValues(verdict).Inc()
	if s.Loaded {
		metrics.RiskConfidence.Observe(s.Confidence)
	}
	logging.L(ctx).Debug("risk scored", "kind", kind, "subject", subject,
		"confidence", s.Confidence, "status", s.Status)

	if !record {
		return s
	}
	c.record(ctx, &Assessment{
		ID:          idgen.WithPrefix("ra_"),
		Kind:        kind,
		Subject:     subject,
		Fraudulent:  s.Fraudulent,
		Confidence:  s.Confidence,
		Status:      s.Status,
		Loaded:      s.Loaded,
		EvaluatedAt: c.now().UTC(),
	})
	return s
}

// record writes a in the background; failures are logged and dropped.
func (c *Classifier) record(ctx context.Context, a *Assessment) {
	if c.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if err := c.store.Record(ctx, a); err != nil {
			c.logger.Warn("failed to record risk assessment", "id", a.ID, "error", err)
		}
	}()
}

// Wait blocks until pending assessment writes finish.
func (c *Classifier) Wait() { c.wg.Wait() }

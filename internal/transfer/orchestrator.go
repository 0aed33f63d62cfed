package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/activity"
	"github.com/mbd888/qshield/internal/chain"
	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/history"
	"github.com/mbd888/qshield/internal/idgen"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/recommend"
	"github.com/mbd888/qshield/internal/risk"
	"github.com/mbd888/qshield/internal/suspicion"
	"github.com/mbd888/qshield/internal/syncutil"
	"github.com/mbd888/qshield/internal/traces"
	"github.com/mbd888/qshield/internal/validation"
)

// recordTimeout bounds the bookkeeping after a successful submission.
const recordTimeout = 10 * time.Second

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Screener runs the suspicion heuristics. *suspicion.Heuristics implements it.
type Screener interface {
	Evaluate(ctx context.Context, sender string, amount decimal.Decimal) (suspicion.Result, error)
}

// Scorer classifies a transaction. *risk.Classifier implements it.
type Scorer interface {
	ClassifyTransaction(ctx context.Context, tx risk.Transaction) risk.Score
	ScoreTransaction(ctx context.Context, tx risk.Transaction) risk.Score
}

// Submitter sends value on chain. *chain.Client implements it.
type Submitter interface {
	SendValue(ctx context.Context, from, to string, amount decimal.Decimal) (*chain.TransferResult, error)
}

// Attester signs history payloads. *receipts.Service implements it.
type Attester interface {
	Attest(ctx context.Context, p receipts.Payload) (*receipts.Attestation, error)
}

// Config holds the orchestrator's rules.
type Config struct {
	Amounts validation.AmountPolicy
	Policy  Policy
}

// DefaultConfig returns the default amount bounds under the block policy.
func DefaultConfig() Config {
	return Config{Amounts: validation.DefaultAmountPolicy(), Policy: PolicyBlock}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithSubmitter(s Submitter) Option      { return func(o *Orchestrator) { o.submitter = s } }
func WithAttester(a Attester) Option        { return func(o *Orchestrator) { o.attester = a } }
func WithHistory(s history.Store) Option    { return func(o *Orchestrator) { o.history = s } }
func WithTracker(t activity.Tracker) Option { return func(o *Orchestrator) { o.tracker = t } }
func WithEvents(s events.Sink) Option       { return func(o *Orchestrator) { o.events = s } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides time.Now for transaction and history timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator drives transactions through the pipeline. It keeps no
// per-transaction state and is safe for concurrent use.
type Orchestrator struct {
	screener  Screener
	scorer    Scorer
	cfg       Config
	submitter Submitter
	attester  Attester
	history   history.Store
	tracker   activity.Tracker
	events    events.Sink
	logger    *slog.Logger
	now       func() time.Time

	// senders serializes submissions from one wallet so the interval check
	// sees the previous send's activity.
	senders *syncutil.KeyedMutex
}

// New creates an orchestrator. Submission needs WithSubmitter; history,
// attestation, activity tracking and events are skipped when not set.
func New(screener Screener, scorer Scorer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	o := &Orchestrator{
		screener: screener,
		scorer:   scorer,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		senders:  syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the fraud policy in effect.
func (o *Orchestrator) Policy() Policy { return o.cfg.Policy }

// NewTransaction builds a transaction stamped with the orchestrator's clock.
func (o *Orchestrator) NewTransaction(req Request) Transaction {
	return NewTransaction(req, o.now())
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Analyze runs every check without submitting. A rejected transaction
// returns its outcome together with the rejection error; any other error
// means the analysis did not finish.
func (o *Orchestrator) Analyze(ctx context.Context, tx Transaction) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.analyze",
		traces.Sender(tx.Sender), traces.Kind(string(tx.Kind)), traces.Amount(tx.Amount.String()))
	defer span.End()

	out, err := o.evaluate(ctx, tx, false)
	o.finish(ctx, "dry_run", out, err)
	if err != nil {
		traces.Fail(span, err)
	}
	span.SetAttributes(traces.Outcome(string(out.State)))
	return out, err
}

// Submit runs the checks and, when they pass, sends the transaction and
// records a history entry. A submission failure leaves no history entry.
func (o *Orchestrator) Submit(ctx context.Context, tx Transaction) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.submit",
		traces.Sender(tx.Sender), traces.Kind(string(tx.Kind)), traces.Amount(tx.Amount.String()))
	defer span.End()

	unlock, err := o.senders.Lock(ctx, strings.ToLower(tx.Sender))
	if err != nil {
		traces.Fail(span, err)
		return newOutcome(tx), fmt.Errorf("transfer: waiting for sender: %w", err)
	}
	defer unlock()

	out, err := o.evaluate(ctx, tx, true)
	if err == nil {
		err = o.submit(ctx, out)
	}
	o.finish(ctx, "submit", out, err)
	if err != nil {
		traces.Fail(span, err)
	}
	span.SetAttributes(traces.Outcome(string(out.State)))
	if out.Entry != nil {
		span.SetAttributes(traces.TxHash(out.Entry.TxHash))
	}
	return out, err
}

// -----------------------------------------------------------------------------
// Pipeline
// -----------------------------------------------------------------------------

func newOutcome(tx Transaction) *Outcome {
	return &Outcome{Transaction: tx, State: StateDraft, Recommendations: []recommend.Recommendation{}}
}

// evaluate runs the checks. Only a real submission records its risk
// assessment, so dry runs cannot shape another wallet's dashboard.
func (o *Orchestrator) evaluate(ctx context.Context, tx Transaction, record bool) (*Outcome, error) {
	out := newOutcome(tx)

	if tx.Kind != KindDeposit && tx.Kind != KindSend {
		return o.reject(ctx, out, ReasonUnknownKind, fmt.Errorf("%w: %q", ErrUnknownKind, tx.Kind))
	}
	if err := checkAddresses(tx); err != nil {
		return o.reject(ctx, out, string(validation.ReasonInvalidAddress), err)
	}
	o.advance(ctx, out, StateAddressValidated)

	if res := o.cfg.Amounts.Check(tx.Amount); !res.Valid {
		return o.reject(ctx, out, string(res.Reason), amountError(res.Reason))
	}
	o.advance(ctx, out, StateAmountValidated)

	sres, err := o.screener.Evaluate(ctx, tx.Sender, tx.Amount)
	if err != nil {
		return out, fmt.Errorf("transfer: suspicion checks: %w", err)
	}
	out.Suspicion = &sres
	if sres.Suspicious {
		return o.reject(ctx, out, string(sres.Reason),
			&SuspiciousActivityError{Reason: sres.Reason, Severity: sres.Severity})
	}
	if sres.Degraded {
		out.warn(WarningProviderUnavailable)
	}
	o.advance(ctx, out, StateSuspicionChecked)

	if err := ctx.Err(); err != nil {
		return out, err
	}
	var score risk.Score
	if record {
		score = o.scorer.ClassifyTransaction(ctx, tx.riskInput())
	} else {
		score = o.scorer.ScoreTransaction(ctx, tx.riskInput())
	}
	out.Risk = &score
	out.Recommendations = append(out.Recommendations, recommend.ForTransaction(score)...)
	if score.Fraudulent {
		if o.cfg.Policy == PolicyBlock {
			return o.reject(ctx, out, ReasonFraudulent, ErrFraudulent)
		}
		out.warn(WarningFraudulent)
		logging.L(ctx).Info("fraudulent score allowed by warn policy",
			"sender", tx.Sender, "confidence", score.Confidence)
	}
	o.advance(ctx, out, StateRiskScored)
	return out, nil
}

func checkAddresses(tx Transaction) error {
	if !validation.IsValidEthAddress(tx.Sender) {
		return fmt.Errorf("%w: sender %q", ErrInvalidAddress, tx.Sender)
	}
	if tx.Kind == KindSend && !validation.IsValidEthAddress(tx.Recipient) {
		return fmt.Errorf("%w: recipient %q", ErrInvalidAddress, tx.Recipient)
	}
	return nil
}

func amountError(r validation.Reason) error {
	switch r {
	case validation.ReasonNonPositiveAmount:
		return ErrNonPositiveAmount
	case validation.ReasonBelowMinimum:
		return ErrBelowMinimum
	case validation.ReasonAboveMaximum:
		return ErrAboveMaximum
	default:
		return fmt.Errorf("transfer: amount rejected: %s", r)
	}
}

func (o *Orchestrator) advance(ctx context.Context, out *Outcome, s State) {
	out.State = s
	logging.L(ctx).Debug("transaction state", "sender", out.Transaction.Sender, "state", s)
}

func (o *Orchestrator) reject(ctx context.Context, out *Outcome, reason string, err error) (*Outcome, error) {
	out.State = StateRejected
	out.Reason = reason
	metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	logging.L(ctx).Info("transaction rejected",
		"sender", out.Transaction.Sender, "type", out.Transaction.Kind, "reason", reason)
	return out, err
}

// submit sends a risk_scored transaction and records it. Once the transfer
// is on chain the bookkeeping runs detached from ctx and its failures become
// warnings.
func (o *Orchestrator) submit(ctx context.Context, out *Outcome) error {
	tx := out.Transaction
	if o.submitter == nil {
		return ErrSubmitDisabled
	}
	res, err := o.submitter.SendValue(ctx, tx.Sender, tx.Destination(), tx.Amount)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(tx.Mode), "error").Inc()
		logging.L(ctx).Error("transaction submission failed", "sender", tx.Sender, "error", err)
		return fmt.Errorf("transfer: submit: %w", err)
	}
	metrics.SubmissionsTotal.WithLabelValues(string(tx.Mode), "ok").Inc()
	o.advance(ctx, out, StateSubmitted)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	log := logging.L(ctx).With("sender", tx.Sender, "tx_hash", res.TxHash)

	entry := &history.Entry{
		ID:           idgen.WithPrefix("tx_"),
		TxHash:       res.TxHash,
		Sender:       tx.Sender,
		Recipient:    tx.Destination(),
		Amount:       tx.Amount,
		Kind:         string(tx.Kind),
		Status:       history.StatusCompleted,
		SecurityMode: tx.Mode,
		CreatedAt:    o.now().UTC(),
	}
	if out.Risk != nil {
		entry.Risk = *out.Risk
	}

	if o.attester != nil {
		att, err := o.attester.Attest(rctx, entry.Payload())
		if err != nil {
			out.warn(WarningAttestationFailed)
			log.Error("attestation failed", "mode", tx.Mode, "error", err)
		} else {
			entry.Attestation = att
		}
	}
	entry.Warnings = append([]string(nil), out.Warnings...)

	if o.history != nil {
		if err := o.history.Create(rctx, entry); err != nil {
			out.warn(WarningHistoryUnavailable)
			log.Error("failed to record history entry", "error", err)
		}
	}
	out.Entry = entry

	if o.tracker != nil {
		if err := o.tracker.Touch(rctx, tx.Sender, entry.CreatedAt); err != nil {
			log.Warn("failed to record sender activity", "error", err)
		}
	}
	log.Info("transaction submitted", "mode", tx.Mode, "amount", tx.Amount.String(), "nonce", res.Nonce)
	return nil
}

// finish counts the run and emits its event.
func (o *Orchestrator) finish(ctx context.Context, mode string, out *Outcome, err error) {
	outcome := string(out.State)
	if err != nil && !out.Rejected() {
		outcome = "error"
	}
	metrics.AnalysesTotal.WithLabelValues(string(out.Transaction.Kind), mode, outcome).Inc()

	var typ events.Type
	switch {
	case out.Rejected():
		typ = events.TypeTransactionRejected
	case out.State == StateSubmitted:
		typ = events.TypeTransactionSubmitted
	case err == nil:
		typ = events.TypeTransactionAnalyzed
	default:
		return
	}
	events.Emit(context.WithoutCancel(ctx), o.events, o.logger, events.New(typ, out.Transaction.Sender, out))
}

// IsRejection reports whether err is a rejection by one of the checks rather
// than an infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidAddress, ErrNonPositiveAmount, ErrBelowMinimum,
		ErrAboveMaximum, ErrFraudulent, ErrUnknownKind, ErrSuspicious,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

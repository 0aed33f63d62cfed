// Package suspicion runs the ordered battery of heuristics that flag a
// transaction as suspicious from live chain state.
//
// Checks are evaluated in a fixed order and the first one that trips decides
// the reason. A check whose chain read fails does not block the transaction:
// it is listed in Result.Undetermined, Result.Degraded is set and evaluation
// continues.
package suspicion

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/qshield/internal/activity"
	"github.com/mbd888/qshield/internal/chain"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/traces"
)

// Reason names the check that flagged a transaction.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonBalanceRatio    Reason = "balance_ratio"
	ReasonHighFrequency   Reason = "high_frequency"
	ReasonGasPrice        Reason = "gas_price"
	ReasonContractSender  Reason = "contract_sender"
	ReasonRapidSuccession Reason = "rapid_succession"
	ReasonAmountCap       Reason = "amount_cap"
	ReasonNetworkMismatch Reason = "network_mismatch"

	// ReasonProviderUnavailable is reported as a warning when chain state
	// could not be read for one or more checks.
	ReasonProviderUnavailable Reason = "provider_unavailable"
)

// Severity grades a tripped check. Both severities reject the transaction.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Result is the outcome of an evaluation.
type Result struct {
	Suspicious   bool     `json:"suspicious"`
	Reason       Reason   `json:"reason,omitempty"`
	Severity     Severity `json:"severity,omitempty"`
	Degraded     bool     `json:"degraded"`
	Undetermined []Reason `json:"undetermined,omitempty"`
}

// ChainReader is the chain state the checks need. *chain.Client implements it.
type ChainReader interface {
	BalanceAt(ctx context.Context, addr string) (decimal.Decimal, error)
	BlockActivity(ctx context.Context, addr string, blocks int) (chain.Activity, error)
	GasPrice(ctx context.Context) (decimal.Decimal, error)
	CodeAt(ctx context.Context, addr string) ([]byte, error)
	NetworkID(ctx context.Context) (int64, error)
}

// Config holds the check thresholds.
type Config struct {
	BalanceMultiplier  decimal.Decimal // amount > multiplier x balance trips
	FrequencyBlocks    int             // recent blocks scanned
	FrequencyThreshold int             // more sender txs than this trips
	GasCeilingGwei     decimal.Decimal
	MinInterval        time.Duration
	AmountCap          decimal.Decimal // ether
	ExpectedNetworkID  int64           // 0 disables the network check
	Parallel           bool
}

// DefaultConfig returns the built-in thresholds for the given network.
func DefaultConfig(expectedNetworkID int64) Config {
	return Config{
		BalanceMultiplier:  decimal.NewFromInt(2),
		FrequencyBlocks:    10,
		FrequencyThreshold: 5,
		GasCeilingGwei:     decimal.NewFromInt(100),
		MinInterval:        5 * time.Second,
		AmountCap:          decimal.NewFromInt(100),
		ExpectedNetworkID:  expectedNetworkID,
		Parallel:           true,
	}
}

// Option configures Heuristics
type Option func(*Heuristics)

// WithTracker adds the service-side activity tracker to the timing check.
func WithTracker(t activity.Tracker) Option {
	return func(h *Heuristics) { h.tracker = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Heuristics) { h.now = now }
}

// Heuristics evaluates transactions. It holds no per-request state and is
// safe for concurrent use.
type Heuristics struct {
	chain   ChainReader
	tracker activity.Tracker
	cfg     Config
	now     func() time.Time
	checks  []check
}

// New creates the heuristics over reader with cfg.
func New(reader ChainReader, cfg Config, opts ...Option) *Heuristics {
	h := &Heuristics{chain: reader, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.checks = h.orderedChecks()
	return h
}

// Config returns the thresholds in use.
func (h *Heuristics) Config() Config { return h.cfg }

// -----------------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------------

// input is shared by the checks of one evaluation. The block scan is needed
// by two checks and is fetched once.
type input struct {
	sender   string
	amount   decimal.Decimal
	activity func() (chain.Activity, error)
}

type check struct {
	reason   Reason
	severity Severity
	run      func(ctx context.Context, in *input) (tripped bool, err error)
}

type outcome struct {
	tripped bool
	err     error
}

func (h *Heuristics) orderedChecks() []check {
	return []check{
		{ReasonBalanceRatio, SeverityCritical, h.checkBalanceRatio},
		{ReasonHighFrequency, SeverityCritical, h.checkFrequency},
		{ReasonGasPrice, SeverityCritical, h.checkGasPrice},
		{ReasonContractSender, SeverityWarning, h.checkContractSender},
		{ReasonRapidSuccession, SeverityCritical, h.checkTiming},
		{ReasonAmountCap, SeverityCritical, h.checkAmountCap},
		{ReasonNetworkMismatch, SeverityWarning, h.checkNetwork},
	}
}

func (h *Heuristics) checkBalanceRatio(ctx context.Context, in *input) (bool, error) {
	balance, err := h.chain.BalanceAt(ctx, in.sender)
	if err != nil {
		return false, err
	}
	return in.amount.GreaterThan(balance.Mul(h.cfg.BalanceMultiplier)), nil
}

func (h *Heuristics) checkFrequency(_ context.Context, in *input) (bool, error) {
	act, err := in.activity()
	if err != nil {
		return false, err
	}
	return act.Count > h.cfg.FrequencyThreshold, nil
}

func (h *Heuristics) checkGasPrice(ctx context.Context, _ *input) (bool, error) {
	gwei, err := h.chain.GasPrice(ctx)
	if err != nil {
		return false, err
	}
	return gwei.GreaterThan(h.cfg.GasCeilingGwei), nil
}

func (h *Heuristics) checkContractSender(ctx context.Context, in *input) (bool, error) {
	code, err := h.chain.CodeAt(ctx, in.sender)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// checkTiming trips when either source saw the sender within MinInterval.
// It is undetermined only if no source tripped and some source failed.
func (h *Heuristics) checkTiming(ctx context.Context, in *input) (bool, error) {
	now := h.now()
	recent := func(t time.Time) bool {
		return !t.IsZero() && now.Sub(t) < h.cfg.MinInterval
	}

	var firstErr error
	if h.tracker != nil {
		t, ok, err := h.tracker.LastSeen(ctx, in.sender)
		switch {
		case err != nil:
			firstErr = err
		case ok && recent(t):
			return true, nil
		}
	}

	act, err := in.activity()
	if err != nil {
		return false, err
	}
	if recent(act.LastSeen) {
		return true, nil
	}
	return false, firstErr
}

func (h *Heuristics) checkAmountCap(_ context.Context, in *input) (bool, error) {
	return in.amount.GreaterThan(h.cfg.AmountCap), nil
}

func (h *Heuristics) checkNetwork(ctx context.Context, _ *input) (bool, error) {
	if h.cfg.ExpectedNetworkID == 0 {
		return false, nil
	}
	id, err := h.chain.NetworkID(ctx)
	if err != nil {
		return false, err
	}
	return id != h.cfg.ExpectedNetworkID, nil
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// Evaluate runs the checks for a transfer of amount ether from sender. The
// only error is ctx's, when the caller gives up.
func (h *Heuristics) Evaluate(ctx context.Context, sender string, amount decimal.Decimal) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "suspicion.evaluate", traces.Sender(sender), traces.Amount(amount.String()))
	defer span.End()

	in := &input{sender: sender, amount: amount}
	in.activity = sync.OnceValues(func() (chain.Activity, error) {
		return h.chain.BlockActivity(ctx, sender, h.cfg.FrequencyBlocks)
	})

	var outcomes []outcome
	if h.cfg.Parallel {
		outcomes = h.runParallel(ctx, in)
	} else {
		outcomes = h.runSequential(ctx, in)
	}
	if err := ctx.Err(); err != nil {
		traces.Fail(span, err)
		return Result{}, err
	}

	res := h.resolve(ctx, outcomes)
	if res.Degraded {
		logging.L(ctx).Warn("suspicion checks degraded",
			"sender", sender, "undetermined", res.Undetermined)
	}
	if res.Suspicious {
		metrics.SuspicionTripsTotal.WithLabelValues(string(res.Reason)).Inc()
		logging.L(ctx).Info("transaction flagged",
			"sender", sender, "reason", res.Reason, "severity", res.Severity)
	}
	return res, nil
}

// runSequential stops issuing chain reads after the first trip.
func (h *Heuristics) runSequential(ctx context.Context, in *input) []outcome {
	outcomes := make([]outcome, 0, len(h.checks))
	for _, c := range h.checks {
		tripped, err := c.run(ctx, in)
		outcomes = append(outcomes, outcome{tripped: tripped, err: err})
		if (err == nil && tripped) || ctx.Err() != nil {
			break
		}
	}
	return outcomes
}

// runParallel runs every check concurrently. Check errors are captured in
// the outcomes, never returned to the group, so one failing read does not
// cancel the others.
func (h *Heuristics) runParallel(ctx context.Context, in *input) []outcome {
	outcomes := make([]outcome, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			tripped, err := c.run(ctx, in)
			outcomes[i] = outcome{tripped: tripped, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// resolve walks outcomes in check order and stops at the first trip, so
// parallel and sequential evaluation report the same result.
func (h *Heuristics) resolve(ctx context.Context, outcomes []outcome) Result {
	var res Result
	for i, o := range outcomes {
		c := h.checks[i]
		if o.err != nil {
			res.Degraded = true
			res.Undetermined = append(res.Undetermined, c.reason)
			metrics.SuspicionUndeterminedTotal.WithLabelValues(string(c.reason)).Inc()
			logging.L(ctx).Debug("suspicion check undetermined", "check", c.reason, "error", o.err)
			continue
		}
		if o.tripped {
			res.Suspicious = true
			res.Reason = c.reason
			res.Severity = c.severity
			return res
		}
	}
	return res
}

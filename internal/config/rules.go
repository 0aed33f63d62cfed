package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Rules holds the thresholds used by the amount policy and the suspicion
// heuristics. Amounts are ether decimal strings so YAML round-trips them
// without float loss.
type Rules struct {
	Amount    AmountRules    `koanf:"amount" validate:"required"`
	Suspicion SuspicionRules `koanf:"suspicion" validate:"required"`
}

type AmountRules struct {
	Min string `koanf:"min" validate:"required,numeric"`
	Max string `koanf:"max" validate:"required,numeric"`
}

type SuspicionRules struct {
	BalanceMultiplier  string        `koanf:"balance_multiplier" validate:"required,numeric"`
	FrequencyBlocks    int           `koanf:"frequency_blocks" validate:"gte=1,lte=1000"`
	FrequencyThreshold int           `koanf:"frequency_threshold" validate:"gte=0"`
	GasCeilingGwei     string        `koanf:"gas_ceiling_gwei" validate:"required,numeric"`
	MinInterval        time.Duration `koanf:"min_interval" validate:"gte=0"`
	AmountCap          string        `koanf:"amount_cap" validate:"required,numeric"`
	Parallel           bool          `koanf:"parallel"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() Rules {
	return Rules{
		Amount: AmountRules{Min: "0.0001", Max: "100"},
		Suspicion: SuspicionRules{
			BalanceMultiplier:  "2",
			FrequencyBlocks:    10,
			FrequencyThreshold: 5,
			GasCeilingGwei:     "100",
			MinInterval:        5 * time.Second,
			AmountCap:          "100",
			Parallel:           true,
		},
	}
}

var validate = validator.New()

// LoadRules layers the YAML file at path (if any) over DefaultRules and
// validates the result. An empty path yields the defaults.
func LoadRules(path string) (*Rules, error) {
	k := koanf.New(".")

	defaults := DefaultRules()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading rule defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("rules file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading rules file %s: %w", path, err)
		}
	}

	var rules Rules
	if err := k.Unmarshal("", &rules); err != nil {
		return nil, fmt.Errorf("unmarshaling rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Validate checks struct constraints and the ordering of the amount bounds.
func (r Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid rules: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid rules: %w", err)
	}
	if !r.MinAmount().IsPositive() {
		return fmt.Errorf("invalid rules: amount.min must be positive")
	}
	if r.MinAmount().GreaterThan(r.MaxAmount()) {
		return fmt.Errorf("invalid rules: amount.min exceeds amount.max")
	}
	return nil
}

// The accessors below are only called on validated rules, so the decimal
// strings are known to parse.

func (r Rules) MinAmount() decimal.Decimal { return mustDecimal(r.Amount.Min) }
func (r Rules) MaxAmount() decimal.Decimal { return mustDecimal(r.Amount.Max) }
func (r Rules) BalanceMultiplier() decimal.Decimal {
	return mustDecimal(r.Suspicion.BalanceMultiplier)
}
func (r Rules) GasCeilingGwei() decimal.Decimal { return mustDecimal(r.Suspicion.GasCeilingGwei) }
func (r Rules) AmountCap() decimal.Decimal      { return mustDecimal(r.Suspicion.AmountCap) }

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Package recommend turns a risk score into reviewer guidance.
package recommend

import "github.com/mbd888/qshield/internal/risk"

// Category classifies a recommendation.
type Category string

const (
	CategoryWarning  Category = "warning"
	CategoryHighRisk Category = "high_risk"
	CategoryLowRisk  Category = "low_risk"
)

// Confidence bounds.
const (
	HighRiskAbove = 0.8
	LowRiskBelow  = 0.3
)

// Recommendation is one piece of guidance attached to an analysis.
type Recommendation struct {
	Category Category `json:"type"`
	Message  string   `json:"message"`
	Action   string   `json:"action"`
}

// ForTransaction maps a transaction score to recommendations. A fraudulent
// score above HighRiskAbove yields both warning and high_risk. A score
// between the bounds that is not fraudulent yields none.
func ForTransaction(s risk.Score) []Recommendation {
	var out []Recommendation
	if s.Fraudulent {
		out = append(out, Recommendation{
			Category: CategoryWarning,
			Message:  "This transaction shows signs of potential fraud. Please review carefully.",
			Action:   "Review transaction details and recipient information",
		})
	}
	if s.Confidence > HighRiskAbove {
		out = append(out, Recommendation{
			Category: CategoryHighRisk,
			Message:  "High confidence of fraudulent activity detected.",
			Action:   "Consider blocking this transaction",
		})
	}
	if s.Confidence < LowRiskBelow {
		out = append(out, Recommendation{
			Category: CategoryLowRisk,
			Message:  "Transaction appears to be secure.",
			Action:   "Proceed with normal processing",
		})
	}
	return out
}

// ForContract maps a contract-code score to recommendations. There is no
// low-risk entry for contracts.
func ForContract(s risk.Score) []Recommendation {
	var out []Recommendation
	if s.Fraudulent {
		out = append(out, Recommendation{
			Category: CategoryWarning,
			Message:  "This contract contains potentially vulnerable code.",
			Action:   "Review contract security measures",
		})
	}
	if s.Confidence > HighRiskAbove {
		out = append(out, Recommendation{
			Category: CategoryHighRisk,
			Message:  "High confidence of contract vulnerability detected.",
			Action:   "Consider additional security audits",
		})
	}
	return out
}

// Has reports whether recs contains category c.
func Has(recs []Recommendation, c Category) bool {
	for _, r := range recs {
		if r.Category == c {
			return true
		}
	}
	return false
}

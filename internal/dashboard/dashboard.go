// Package dashboard builds the per-wallet security report: a score derived
// from recorded risk assessments and history, quantum-attestation status and
// a list of alerts.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/qshield/internal/history"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/risk"
)

// Severity grades an alert.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Score penalties per alert. The score starts at MaxScore and is clamped to
// [0, MaxScore].
const (
	MaxScore      = 100
	penaltyHigh   = 20
	penaltyMedium = 10
	penaltyLow    = 5
)

// Scan window over each source.
const (
	DefaultAlertLimit = 20
	scanLimit         = 100
)

// Quantum protection status.
const (
	QuantumProtected    = "Protected"
	QuantumNotProtected = "Not Protected"
)

// Alert is one finding on the report.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the security dashboard for one address.
type Report struct {
	Address       string    `json:"address"`
	Score         int       `json:"securityScore"`
	Rating        string    `json:"rating"`
	QuantumStatus string    `json:"quantumStatus"`
	Transactions  int       `json:"transactions"`
	Alerts        []Alert   `json:"alerts"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Service builds reports. Either store may be nil.
type Service struct {
	history     history.Store
	assessments risk.Store
	now         func() time.Time
}

// NewService creates a report builder.
func NewService(h history.Store, assessments risk.Store) *Service {
	return &Service{history: h, assessments: assessments, now: time.Now}
}

// Build computes the report for address. The score is a pure function of
// the recorded data; the same history always yields the same score.
func (s *Service) Build(ctx context.Context, address string, alertLimit int) (*Report, error) {
	if alertLimit <= 0 {
		alertLimit = DefaultAlertLimit
	}

	var entries []*history.Entry
	if s.history != nil {
		var err error
		entries, err = s.history.ListBySender(ctx, address, scanLimit)
		if err != nil {
			return nil, fmt.Errorf("dashboard: list history: %w", err)
		}
	}
	var assessments []*risk.Assessment
	if s.assessments != nil {
		var err error
		assessments, err = s.assessments.ListBySubject(ctx, address, scanLimit)
		if err != nil {
			return nil, fmt.Errorf("dashboard: list assessments: %w", err)
		}
	}

	alerts := append(assessmentAlerts(assessments), entryAlerts(entries)...)
	score := Score(alerts)
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if len(alerts) > alertLimit {
		alerts = alerts[:alertLimit]
	}

	return &Report{
		Address:       strings.ToLower(address),
		Score:         score,
		Rating:        Rating(score),
		QuantumStatus: quantumStatus(entries),
		Transactions:  len(entries),
		Alerts:        alerts,
		GeneratedAt:   s.now().UTC(),
	}, nil
}

// Score applies the per-severity penalties to MaxScore.
func Score(alerts []Alert) int {
	score := MaxScore
	for _, a := range alerts {
		switch a.Severity {
		case SeverityHigh:
			score -= penaltyHigh
		case SeverityMedium:
			score -= penaltyMedium
		case SeverityLow:
			score -= penaltyLow
		}
	}
	return max(score, 0)
}

// Rating buckets a score the way the dashboard colours it.
func Rating(score int) string {
	switch {
	case score > 80:
		return "good"
	case score > 60:
		return "fair"
	default:
		return "poor"
	}
}

func assessmentAlerts(as []*risk.Assessment) []Alert {
	var out []Alert
	var unloaded *risk.Assessment
	for _, a := range as {
		if !a.Loaded {
			if unloaded == nil {
				unloaded = a
			}
			continue
		}
		if !a.Fraudulent {
			continue
		}
		msg := "Unusual transaction pattern detected"
		if a.Kind == risk.KindContract {
			msg = "Analyzed contract code classified as vulnerable"
		}
		out = append(out, Alert{
			ID:        a.ID,
			Severity:  SeverityHigh,
			Message:   fmt.Sprintf("%s (confidence %.0f%%)", msg, a.Confidence*100),
			Timestamp: a.EvaluatedAt,
		})
	}
	// One alert for the whole window, not one per neutral score.
	if unloaded != nil {
		out = append(out, Alert{
			ID:        unloaded.ID,
			Severity:  SeverityLow,
			Message:   "Risk model unavailable; transactions were scored neutrally",
			Timestamp: unloaded.EvaluatedAt,
		})
	}
	return out
}

func entryAlerts(entries []*history.Entry) []Alert {
	var out []Alert
	for _, e := range entries {
		if len(e.Warnings) > 0 {
			out = append(out, Alert{
				ID:        e.ID,
				Severity:  SeverityMedium,
				Message:   "Transaction submitted with warnings: " + strings.Join(e.Warnings, ", "),
				Timestamp: e.CreatedAt,
			})
		}
		if e.Attestation == nil {
			out = append(out, Alert{
				ID:        e.ID,
				Severity:  SeverityLow,
				Message:   "Transaction record has no signed attestation",
				Timestamp: e.CreatedAt,
			})
		}
	}
	return out
}

// quantumStatus follows the most recent transfer's security mode.
func quantumStatus(entries []*history.Entry) string {
	if len(entries) > 0 && entries[0].SecurityMode == receipts.ModeQuantum && entries[0].Attestation != nil {
		return QuantumProtected
	}
	return QuantumNotProtected
}

package risk

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist. cmd/migrate
// applies the same schema through goose.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id            VARCHAR(40) PRIMARY KEY,
			kind          VARCHAR(16) NOT NULL CHECK (kind IN ('transaction', 'contract')),
			subject       VARCHAR(42) NOT NULL DEFAULT '',
			fraudulent    BOOLEAN NOT NULL,
			confidence    NUMERIC(6,5) NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			status        VARCHAR(32) NOT NULL,
			loaded        BOOLEAN NOT NULL,
			evaluated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_subject
			ON risk_assessments (subject, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_fraudulent
			ON risk_assessments (evaluated_at DESC) WHERE fraudulent;
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, kind, subject, fraudulent, confidence, status, loaded, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID,
		string(a.Kind),
		strings.ToLower(a.Subject),
		a.Fraudulent,
		a.Confidence,
		a.Status,
		a.Loaded,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, fraudulent, confidence, status, loaded, evaluated_at
		FROM risk_assessments
		WHERE subject = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, strings.ToLower(subject), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var kind string
		if err := rows.Scan(&a.ID, &kind, &a.Subject, &a.Fraudulent, &a.Confidence, &a.Status, &a.Loaded, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Kind = Kind(kind)
		result = append(result, &a)
	}
	return result, rows.Err()
}

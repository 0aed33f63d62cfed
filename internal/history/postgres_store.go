package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/qshield/internal/receipts"
)

// PostgresStore persists history entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transaction_history table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transaction_history (
			id             VARCHAR(40) PRIMARY KEY,
			tx_hash        VARCHAR(66) NOT NULL,
			sender         VARCHAR(42) NOT NULL,
			recipient      VARCHAR(42) NOT NULL,
			amount         NUMERIC(38,18) NOT NULL CHECK (amount > 0),
			kind           VARCHAR(16) NOT NULL CHECK (kind IN ('deposit', 'send')),
			status         VARCHAR(16) NOT NULL,
			security_mode  VARCHAR(16) NOT NULL CHECK (security_mode IN ('standard', 'quantum')),
			risk           JSONB NOT NULL,
			warnings       TEXT[] NOT NULL DEFAULT '{}',
			attestation    JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transaction_history_sender
			ON transaction_history (sender, created_at DESC);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transaction_history_tx_hash
			ON transaction_history (tx_hash);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, e *Entry) error {
	riskJSON, err := json.Marshal(e.Risk)
	if err != nil {
		return fmt.Errorf("failed to marshal risk: %w", err)
	}
	var attJSON []byte
	if e.Attestation != nil {
		if attJSON, err = json.Marshal(e.Attestation); err != nil {
			return fmt.Errorf("failed to marshal attestation: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transaction_history
			(id, tx_hash, sender, recipient, amount, kind, status, security_mode, risk, warnings, attestation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID,
		e.TxHash,
		strings.ToLower(e.Sender),
		strings.ToLower(e.Recipient),
		e.Amount,
		e.Kind,
		e.Status,
		string(e.SecurityMode),
		riskJSON,
		pq.Array(e.Warnings),
		nullJSON(attJSON),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

const selectEntry = `
	SELECT id, tx_hash, sender, recipient, amount, kind, status, security_mode, risk, warnings, attestation, created_at
	FROM transaction_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e        Entry
		mode     string
		riskJSON []byte
		attJSON  []byte
		warnings pq.StringArray
	)
	if err := row.Scan(&e.ID, &e.TxHash, &e.Sender, &e.Recipient, &e.Amount, &e.Kind, &e.Status,
		&mode, &riskJSON, &warnings, &attJSON, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.SecurityMode = receipts.Mode(mode)
	if err := json.Unmarshal(riskJSON, &e.Risk); err != nil {
		return nil, fmt.Errorf("decode risk: %w", err)
	}
	if len(warnings) > 0 {
		e.Warnings = warnings
	}
	if len(attJSON) > 0 {
		if err := json.Unmarshal(attJSON, &e.Attestation); err != nil {
			return nil, fmt.Errorf("decode attestation: %w", err)
		}
	}
	return &e, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListBySender(ctx context.Context, sender string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)
	query := selectEntry + ` WHERE sender = $1`
	args := []any{strings.ToLower(sender)}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

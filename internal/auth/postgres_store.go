package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// PostgresStore persists wallet API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the api_keys table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id          VARCHAR(40) PRIMARY KEY,
			hash        VARCHAR(64) NOT NULL UNIQUE,
			wallet      VARCHAR(42) NOT NULL,
			name        VARCHAR(255) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used   TIMESTAMPTZ,
			revoked     BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_wallet ON api_keys(wallet);
	`)
	return err
}

const selectKey = `SELECT id, hash, wallet, name, created_at, last_used, revoked FROM api_keys`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, wallet, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, strings.ToLower(key.Wallet), key.Name, key.CreatedAt, key.Revoked)
	return err
}

// GetByHash retrieves an API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, selectKey+` WHERE hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// ListByWallet returns the wallet's keys, newest first.
func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, selectKey+` WHERE wallet = $1 ORDER BY created_at DESC`,
		strings.ToLower(wallet))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke marks a key revoked
func (p *PostgresStore) Revoke(ctx context.Context, id string) error {
	return p.exec(ctx, `UPDATE api_keys SET revoked = TRUE WHERE id = $1`, id)
}

// Touch records a key's last use
func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, id, at)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	if err := row.Scan(&key.ID, &key.Hash, &key.Wallet, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}

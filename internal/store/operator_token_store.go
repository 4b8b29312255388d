package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// OperatorToken authenticates requests to the Operator Control Surface
// (§4.8). Modeled on the teacher's plugin API key, minus plugin scoping:
// the control surface has one operator role, not per-caller permissions.
type OperatorToken struct {
	ID        string
	Name      string
	TokenHash string // bcrypt hash, never the plaintext token
	Active    bool
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// OperatorTokenStore persists OperatorToken records.
type OperatorTokenStore struct {
	conn *Connection
}

// NewOperatorTokenStore returns an OperatorTokenStore backed by conn.
func NewOperatorTokenStore(conn *Connection) *OperatorTokenStore {
	return &OperatorTokenStore{conn: conn}
}

// tokenByteLength is the size of the random token before hex-encoding, giving
// 256 bits of entropy like the teacher's API keys.
const tokenByteLength = 32

// Issue generates a new plaintext token, stores its bcrypt hash and SHA256
// lookup hash, and returns the plaintext once — it is never retrievable again.
func (s *OperatorTokenStore) Issue(ctx context.Context, name string) (plaintext string, token *OperatorToken, err error) {
	raw := make([]byte, tokenByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("operator_token_store: generate token: %w", err)
	}

	plaintext = "harvestctl_" + hex.EncodeToString(raw) //nolint:gosec // not credentials, just a prefix literal

	hash, err := HashToken(plaintext)
	if err != nil {
		return "", nil, err
	}

	lookupHash := TokenLookupHash(plaintext)

	token = &OperatorToken{Name: name, TokenHash: hash, Active: true}

	query := `
		INSERT INTO operator_tokens (name, token_hash, token_lookup_hash, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, created_at
	`

	if err := s.conn.QueryRowContext(ctx, query, name, hash, lookupHash).Scan(&token.ID, &token.CreatedAt); err != nil {
		return "", nil, fmt.Errorf("operator_token_store: insert: %w", err)
	}

	return plaintext, token, nil
}

// Authenticate verifies a plaintext token against the store via O(1) lookup
// hash followed by constant-time bcrypt comparison (same two-stage design as
// the teacher's FindByKey).
func (s *OperatorTokenStore) Authenticate(ctx context.Context, plaintext string) (*OperatorToken, error) {
	if plaintext == "" {
		return nil, ErrNotFound
	}

	lookupHash := TokenLookupHash(plaintext)

	query := `
		SELECT id, name, token_hash, active, created_at, expires_at
		FROM operator_tokens WHERE token_lookup_hash = $1
	`

	t := &OperatorToken{}

	err := s.conn.QueryRowContext(ctx, query, lookupHash).Scan(
		&t.ID, &t.Name, &t.TokenHash, &t.Active, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("operator_token_store: authenticate: %w", err)
	}

	if !CompareTokenHash(t.TokenHash, plaintext) {
		return nil, ErrNotFound
	}

	if !t.Active {
		return nil, ErrNotFound
	}

	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return nil, ErrNotFound
	}

	return t, nil
}

// Revoke deactivates a token so it can no longer authenticate.
func (s *OperatorTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE operator_tokens SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("operator_token_store: revoke: %w", err)
	}

	return checkRowsAffected(res)
}

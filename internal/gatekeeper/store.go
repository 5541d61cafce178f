package gatekeeper

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TokenStore persists per-user access tokens in SQLite. Only hashes are
// stored; the token value is shown once at issue time.
type TokenStore struct {
	db *sql.DB
}

// OpenTokenStore opens (and if needed creates) the token database.
func OpenTokenStore(dbPath string) (*TokenStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS user_tokens (
		token_hash TEXT PRIMARY KEY,
		note TEXT,
		created_at TIMESTAMP NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &TokenStore{db: db}, nil
}

// Issue creates a new token and returns its plaintext value.
func (s *TokenStore) Issue(note string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	_, err := s.db.Exec(
		"INSERT INTO user_tokens (token_hash, note, created_at) VALUES (?, ?, ?)",
		hashToken(token), note, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// Authenticate reports whether the token exists and is not disabled.
func (s *TokenStore) Authenticate(token string) (bool, error) {
	var disabled int
	err := s.db.QueryRow(
		"SELECT disabled FROM user_tokens WHERE token_hash = ?",
		hashToken(token),
	).Scan(&disabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query token: %w", err)
	}
	return disabled == 0, nil
}

// Disable revokes a token. Unknown tokens are not an error.
func (s *TokenStore) Disable(token string) error {
	_, err := s.db.Exec(
		"UPDATE user_tokens SET disabled = 1 WHERE token_hash = ?",
		hashToken(token),
	)
	if err != nil {
		return fmt.Errorf("disable token: %w", err)
	}
	return nil
}

// Count returns the number of active tokens.
func (s *TokenStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM user_tokens WHERE disabled = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

func (s *TokenStore) Close() error {
	return s.db.Close()
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

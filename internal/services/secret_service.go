package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"blockflow/internal/crypto"
	"blockflow/internal/database"
)

// ErrSecretNotFound is returned when a user has no secret of the given name
var ErrSecretNotFound = errors.New("secret not found")

// SecretService stores per-user secrets encrypted with AES-256-GCM.
// Resolved secrets become the environment of scheduled runs.
type SecretService struct {
	db     *database.DB
	cipher *crypto.Cipher
}

// NewSecretService creates a secret service
func NewSecretService(db *database.DB, cipher *crypto.Cipher) *SecretService {
	return &SecretService{db: db, cipher: cipher}
}

// SetSecret encrypts and stores a secret, replacing any previous value
func (s *SecretService) SetSecret(ctx context.Context, userID, name, value string) error {
	if userID == "" || name == "" {
		return fmt.Errorf("secret needs a user id and a name")
	}

	ciphertext, err := s.cipher.EncryptString(userID, value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}

	query := `INSERT INTO secrets (user_id, name, ciphertext, updated_at) VALUES (?, ?, ?, ?)`
	if s.db.Dialect == database.DialectMySQL {
		query += ` ON DUPLICATE KEY UPDATE ciphertext = VALUES(ciphertext), updated_at = VALUES(updated_at)`
	} else {
		query += ` ON CONFLICT(user_id, name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, userID, name, ciphertext, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to store secret %s: %w", name, err)
	}

	logrus.Infof("🔐 [SECRETS] Stored secret %s for user %s", name, userID)
	return nil
}

// DeleteSecret removes a secret
func (s *SecretService) DeleteSecret(ctx context.Context, userID, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return nil
}

// ListNames returns the names of a user's secrets, never their values
func (s *SecretService) ListNames(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ResolveAll decrypts every secret of a user into a name -> value map.
// The first secret that fails to decrypt aborts with a *crypto.DecryptionError naming it.
func (s *SecretService) ResolveAll(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, ciphertext FROM secrets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, ciphertext string
		if err := rows.Scan(&name, &ciphertext); err != nil {
			return nil, err
		}
		value, err := s.cipher.DecryptString(userID, ciphertext)
		if err != nil {
			var decErr *crypto.DecryptionError
			if errors.As(err, &decErr) {
				return nil, &crypto.DecryptionError{Name: name, Err: decErr.Err}
			}
			return nil, &crypto.DecryptionError{Name: name, Err: err}
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/storage"
)

const apiKeyPrefix = "cg_"

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKey describes an issued key. The plaintext is only returned once, at issue time.
type APIKey struct {
	ID          int64      `json:"id"`
	UserEmail   string     `json:"user_email"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Active      bool       `json:"is_active"`
}

// KeyStore manages service API keys stored as SHA-256 hashes.
type KeyStore struct {
	db       *sql.DB
	now      func() time.Time
	generate func() (string, error)
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db, now: time.Now, generate: generateToken}
}

// Issue mints a key for userEmail and returns it with its plaintext.
func (k *KeyStore) Issue(ctx context.Context, userEmail, description string) (*APIKey, string, error) {
	userEmail = strings.TrimSpace(userEmail)
	if userEmail == "" {
		return nil, "", errors.New("user email required")
	}
	now := k.now().UTC()
	for i := 0; i < 5; i++ {
		raw, err := k.generate()
		if err != nil {
			return nil, "", err
		}
		plain := apiKeyPrefix + raw
		res, err := k.db.ExecContext(ctx,
			`INSERT INTO api_keys (key_hash, user_email, description, created_at, is_active) VALUES (?, ?, ?, ?, 1)`,
			hashToken(plain), userEmail, description, now,
		)
		if storage.IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("insert api key: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, "", fmt.Errorf("api key id: %w", err)
		}
		return &APIKey{ID: id, UserEmail: userEmail, Description: description, CreatedAt: now, Active: true}, plain, nil
	}
	return nil, "", errors.New("could not issue api key: repeated hash collisions")
}

// Validate resolves an active key to its owner and stamps its last use.
func (k *KeyStore) Validate(ctx context.Context, plain string) (*models.Principal, error) {
	plain = strings.TrimSpace(plain)
	if !strings.HasPrefix(plain, apiKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	hash := hashToken(plain)
	var (
		id     int64
		email  string
		active bool
	)
	err := k.db.QueryRowContext(ctx,
		`SELECT id, user_email, is_active FROM api_keys WHERE key_hash = ?`, hash,
	).Scan(&id, &email, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if !active {
		return nil, ErrInvalidAPIKey
	}
	if _, err := k.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, k.now().UTC(), id); err != nil {
		return nil, fmt.Errorf("touch api key: %w", err)
	}
	return &models.Principal{ID: fmt.Sprintf("apikey:%d", id), Username: email, Email: email}, nil
}

// Revoke deactivates a key. Unknown ids are reported as sql.ErrNoRows.
func (k *KeyStore) Revoke(ctx context.Context, id int64) error {
	res, err := k.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns the keys owned by userEmail, newest first.
func (k *KeyStore) List(ctx context.Context, userEmail string) ([]*APIKey, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT id, user_email, description, created_at, last_used, is_active
		 FROM api_keys WHERE user_email = ? ORDER BY id DESC`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var (
			key      APIKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&key.ID, &key.UserEmail, &key.Description, &key.CreatedAt, &lastUsed, &key.Active); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			key.LastUsed = &t
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"identra.org/internal/iam"
)

type keyStore struct {
	db *sql.DB
}

const keyColumns = `id, user_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, revoked, created_at, updated_at`

func (s *keyStore) Create(ctx context.Context, k *iam.APIKey) error {
	scopes, err := marshalScopes(k.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		k.ID, k.UserID, k.Name, k.KeyHash, k.KeyPrefix, scopes,
		k.ExpiresAt, k.LastUsedAt, k.Revoked, k.CreatedAt, k.UpdatedAt)
	return mapError(err)
}

func (s *keyStore) Find(ctx context.Context, id string) (*iam.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

func (s *keyStore) FindByHash(ctx context.Context, keyHash string) (*iam.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	return scanKey(row)
}

func (s *keyStore) ListByUser(ctx context.Context, userID string) ([]*iam.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*iam.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *keyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return iam.ErrNotFound
	}
	return nil
}

func (s *keyStore) UpdateLastUsed(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, when)
	return mapError(err)
}

func scanKey(row rowScanner) (*iam.APIKey, error) {
	var k iam.APIKey
	var scopes []byte
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes,
		&expiresAt, &lastUsedAt, &k.Revoked, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

// marshalScopes stores scopes as a jsonb array, which keeps the scan
// path portable across drivers.
func marshalScopes(scopes []string) ([]byte, error) {
	if scopes == nil {
		scopes = []string{}
	}
	out, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("encode scopes: %w", err)
	}
	return out, nil
}

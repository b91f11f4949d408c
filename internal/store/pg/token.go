package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"identra.org/internal/iam"
)

type tokenStore struct {
	db *sql.DB
}

func (s *tokenStore) Create(ctx context.Context, t *iam.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token, user_id, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Token, t.UserID, t.ExpiresAt, t.Revoked, t.CreatedAt)
	return mapError(err)
}

func (s *tokenStore) FindByToken(ctx context.Context, token string) (*iam.RefreshToken, error) {
	var t iam.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, user_id, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token = $1`, token).
		Scan(&t.ID, &t.Token, &t.UserID, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (s *tokenStore) RevokeByToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return mapError(err)
}

func (s *tokenStore) RevokeAllByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE`, userID)
	return mapError(err)
}

// Rotate revokes oldToken and inserts next in one transaction. The
// revoke only matches a still-active row, so of two concurrent calls
// with the same token exactly one commits; the other sees zero rows and
// returns ErrTokenExpired.
func (s *tokenStore) Rotate(ctx context.Context, oldToken string, next *iam.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND revoked = FALSE AND expires_at > NOW()`, oldToken)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return iam.ErrTokenExpired
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token, user_id, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		next.ID, next.Token, next.UserID, next.ExpiresAt, next.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (s *tokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

package pg

import (
	"context"
	"database/sql"
	"time"

	"identra.org/internal/iam"
)

type otpStore struct {
	db *sql.DB
}

func (s *otpStore) Create(ctx context.Context, o *iam.OTP) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO otps (id, code, email, expires_at, used, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.Code, o.Email, o.ExpiresAt, o.Used, o.Attempts, o.CreatedAt)
	return mapError(err)
}

func (s *otpStore) FindLatestByEmail(ctx context.Context, email string) (*iam.OTP, error) {
	var o iam.OTP
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, email, expires_at, used, attempts, created_at
		FROM otps WHERE email = $1
		ORDER BY created_at DESC LIMIT 1`, email).
		Scan(&o.ID, &o.Code, &o.Email, &o.ExpiresAt, &o.Used, &o.Attempts, &o.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &o, nil
}

func (s *otpStore) InvalidateAllByEmail(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE otps SET used = TRUE WHERE email = $1 AND used = FALSE`, email)
	return mapError(err)
}

func (s *otpStore) MarkUsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE otps SET used = TRUE WHERE id = $1`, id)
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

// IncrementAttempts bumps the counter in SQL so concurrent failed
// verifications cannot lose increments to read-modify-write races.
func (s *otpStore) IncrementAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE otps SET attempts = attempts + 1 WHERE id = $1`, id)
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

func (s *otpStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM otps WHERE expires_at < $1`, now)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

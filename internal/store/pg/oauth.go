package pg

import (
	"context"
	"database/sql"

	"identra.org/internal/iam"
)

type oauthStore struct {
	db *sql.DB
}

func (s *oauthStore) Create(ctx context.Context, a *iam.OAuthAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_user_id, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Provider, a.ProviderUserID, a.Email, a.CreatedAt, a.UpdatedAt)
	return mapError(err)
}

func (s *oauthStore) FindByProviderUser(ctx context.Context, provider, providerUserID string) (*iam.OAuthAccount, error) {
	var a iam.OAuthAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_user_id, email, created_at, updated_at
		FROM oauth_accounts WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID).
		Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderUserID, &a.Email, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (s *oauthStore) ListByUser(ctx context.Context, userID string) ([]*iam.OAuthAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, provider_user_id, email, created_at, updated_at
		FROM oauth_accounts WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*iam.OAuthAccount
	for rows.Next() {
		var a iam.OAuthAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderUserID, &a.Email, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *oauthStore) DeleteByProviderAndUser(ctx context.Context, provider, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_accounts WHERE provider = $1 AND user_id = $2`, provider, userID)
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

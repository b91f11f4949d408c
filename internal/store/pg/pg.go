// Package pg implements iam.Store on PostgreSQL via database/sql with
// the pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"identra.org/internal/iam"
)

// Store is the PostgreSQL-backed iam.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Users() iam.UserStore                 { return &userStore{db: s.db} }
func (s *Store) Roles() iam.RoleStore                 { return &roleStore{db: s.db} }
func (s *Store) RefreshTokens() iam.RefreshTokenStore { return &tokenStore{db: s.db} }
func (s *Store) OTPs() iam.OTPStore                   { return &otpStore{db: s.db} }
func (s *Store) OAuthAccounts() iam.OAuthAccountStore { return &oauthStore{db: s.db} }
func (s *Store) APIKeys() iam.APIKeyStore             { return &keyStore{db: s.db} }

// mapError translates driver errors into the store-level kinds the
// service branches on. Unique violations become ErrConflict, missing
// foreign rows become ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return iam.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return iam.ErrConflict
		case "23503":
			return iam.ErrNotFound
		}
	}
	return err
}

package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"identra.org/internal/iam"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestMapError(t *testing.T) {
	cases := map[string]struct {
		in   error
		want error
	}{
		"unique violation": {&pgconn.PgError{Code: "23505"}, iam.ErrConflict},
		"fk violation":     {&pgconn.PgError{Code: "23503"}, iam.ErrNotFound},
	}
	for name, tc := range cases {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("%s: got %v, want %v", name, got, tc.want)
		}
	}
	plain := errors.New("boom")
	if got := mapError(plain); got != plain {
		t.Errorf("unknown error rewritten: %v", got)
	}
	if mapError(nil) != nil {
		t.Error("nil error rewritten")
	}
}

func TestRotateWinner(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	next := &iam.RefreshToken{
		ID: "t2", Token: "new-token", UserID: "u1",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens SET revoked = TRUE`)).
		WithArgs("old-token").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens`)).
		WithArgs(next.ID, next.Token, next.UserID, next.ExpiresAt, next.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RefreshTokens().Rotate(context.Background(), "old-token", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
}

func TestRotateLoserGetsTokenExpired(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens SET revoked = TRUE`)).
		WithArgs("old-token").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RefreshTokens().Rotate(context.Background(), "old-token", &iam.RefreshToken{})
	if !errors.Is(err, iam.ErrTokenExpired) {
		t.Errorf("got %v, want ErrTokenExpired", err)
	}
}

func TestFindByTokenNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM refresh_tokens WHERE token =`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "user_id", "expires_at", "revoked", "created_at"}))

	_, err := s.RefreshTokens().FindByToken(context.Background(), "missing")
	if !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.Users().Create(context.Background(), &iam.User{
		ID: "u1", Email: "a@example.com", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, iam.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestIncrementAttemptsIsAtomicSQL(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE otps SET attempts = attempts + 1`)).
		WithArgs("o1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.OTPs().IncrementAttempts(context.Background(), "o1"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE otps SET attempts = attempts + 1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.OTPs().IncrementAttempts(context.Background(), "missing"); !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestFindUserLoadsRoleGraph(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id =`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "password_hash", "first_name", "last_name",
			"is_active", "created_at", "updated_at", "deleted_at",
		}).AddRow("u1", "a@example.com", "hash", "A", "B", true, now, now, nil))
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN user_roles ur ON ur.role_id = r.id`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_default"}).
			AddRow("r1", "user", "", true))
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN role_permissions rp ON rp.permission_id = p.id`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource", "action"}).
			AddRow("p1", "users", "read"))

	u, err := s.Users().Find(context.Background(), "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !u.HasRole("user") || !u.HasPermission("users", "read") {
		t.Errorf("role graph not loaded: %+v", u.Roles)
	}
}

func TestRevokeMissingAPIKey(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE api_keys SET revoked = TRUE`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.APIKeys().Revoke(context.Background(), "missing"); !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

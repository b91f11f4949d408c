package pg

import (
	"context"
	"database/sql"
	"fmt"

	"identra.org/internal/iam"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, email, COALESCE(password_hash, ''), first_name, last_name, is_active, created_at, updated_at, deleted_at`

func (s *userStore) Create(ctx context.Context, u *iam.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name, is_active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	for _, r := range u.Roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, u.ID, r.ID); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *userStore) Find(ctx context.Context, id string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	return s.scanWithRoles(ctx, row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`, email)
	return s.scanWithRoles(ctx, row)
}

// Update writes the profile columns. Role assignments are managed
// through the catalog, not through this method.
func (s *userStore) Update(ctx context.Context, u *iam.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, first_name = $3, last_name = $4, is_active = $5, updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL`,
		u.ID, u.Email, u.FirstName, u.LastName, u.Active, u.UpdatedAt)
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

// Delete soft-deletes so audit trails keep resolving the user id. The
// partial unique index on email ignores deleted rows, so the address
// can register again.
func (s *userStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET deleted_at = NOW(), is_active = FALSE
		WHERE id = $1 AND deleted_at IS NULL`, id)
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

func (s *userStore) List(ctx context.Context, offset, limit int) ([]*iam.User, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE deleted_at IS NULL
		ORDER BY created_at, id
		OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	var users []*iam.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, u := range users {
		roles, err := loadUserRoles(ctx, s.db, u.ID)
		if err != nil {
			return nil, 0, err
		}
		u.Roles = roles
	}
	return users, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*iam.User, error) {
	var u iam.User
	var deletedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.Active, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		u.DeletedAt = &t
	}
	return &u, nil
}

func (s *userStore) scanWithRoles(ctx context.Context, row rowScanner) (*iam.User, error) {
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	roles, err := loadUserRoles(ctx, s.db, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return u, nil
}

func loadUserRoles(ctx context.Context, db *sql.DB, userID string) ([]iam.Role, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.name, COALESCE(r.description, ''), r.is_default
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var roles []iam.Role
	for rows.Next() {
		var r iam.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsDefault); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		perms, err := loadRolePermissions(ctx, db, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func loadRolePermissions(ctx context.Context, db *sql.DB, roleID string) ([]iam.Permission, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT p.id, p.resource, p.action
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var perms []iam.Permission
	for rows.Next() {
		var p iam.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

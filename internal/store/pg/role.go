package pg

import (
	"context"
	"database/sql"

	"identra.org/internal/iam"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, name, COALESCE(description, ''), is_default`

func (s *roleStore) Find(ctx context.Context, id string) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return s.scan(ctx, row)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	return s.scan(ctx, row)
}

func (s *roleStore) FindDefault(ctx context.Context) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE is_default = TRUE LIMIT 1`)
	return s.scan(ctx, row)
}

func (s *roleStore) List(ctx context.Context) ([]*iam.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var roles []*iam.Role
	for rows.Next() {
		var r iam.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsDefault); err != nil {
			return nil, err
		}
		roles = append(roles, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range roles {
		perms, err := loadRolePermissions(ctx, s.db, r.ID)
		if err != nil {
			return nil, err
		}
		r.Permissions = perms
	}
	return roles, nil
}

func (s *roleStore) scan(ctx context.Context, row rowScanner) (*iam.Role, error) {
	var r iam.Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsDefault); err != nil {
		return nil, mapError(err)
	}
	perms, err := loadRolePermissions(ctx, s.db, r.ID)
	if err != nil {
		return nil, err
	}
	r.Permissions = perms
	return &r, nil
}

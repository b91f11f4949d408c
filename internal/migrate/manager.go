// Package migrate applies the SQL schema and seed catalog. Migration
// files live under sql/ as NNN_name.up.sql with a matching .down.sql;
// seed files under seeds/ are idempotent and run in full on every Seed.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Manager runs migrations from a filesystem against a database.
type Manager struct {
	db   *sql.DB
	fsys fs.FS
}

// Migration describes one schema step and whether it has been applied.
type Migration struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// New builds a Manager. fsys must contain sql/ and may contain seeds/.
func New(db *sql.DB, fsys fs.FS) *Manager {
	return &Manager{db: db, fsys: fsys}
}

// Up applies all pending migrations in order and reports how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	files, err := m.collectSQL("sql", ".up.sql")
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, file := range files {
		version := versionOf(file)
		if applied[version] {
			continue
		}
		if err := m.applyFile(ctx, file, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		}); err != nil {
			return ran, fmt.Errorf("apply %s: %w", file, err)
		}
		ran++
	}
	return ran, nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no applied migrations")
	}
	if err != nil {
		return err
	}

	files, err := m.collectSQL("sql", ".down.sql")
	if err != nil {
		return err
	}
	var target string
	for _, file := range files {
		if versionOf(file) == version {
			target = file
			break
		}
	}
	if target == "" {
		return fmt.Errorf("missing down file for version %s", version)
	}
	return m.applyFile(ctx, target, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM schema_migrations WHERE version = $1`, version)
		return err
	})
}

// Status lists all known migrations with their applied state.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	appliedAt := make(map[string]time.Time)
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		var t time.Time
		if err := rows.Scan(&v, &t); err != nil {
			return nil, err
		}
		appliedAt[v] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	files, err := m.collectSQL("sql", ".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(files))
	for _, file := range files {
		version := versionOf(file)
		mig := Migration{Version: version, Name: nameOf(file)}
		if t, ok := appliedAt[version]; ok {
			mig.Applied = true
			mig.AppliedAt = &t
		}
		out = append(out, mig)
	}
	return out, nil
}

// Seed runs every seed file. Seeds are written to be re-runnable.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	files, err := m.collectSQL("seeds", ".sql")
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, file := range files {
		if err := m.applyFile(ctx, file, nil); err != nil {
			return ran, fmt.Errorf("seed %s: %w", file, err)
		}
		ran++
	}
	return ran, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (m *Manager) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// applyFile executes every statement of the file plus the optional
// bookkeeping step in one transaction.
func (m *Manager) applyFile(ctx context.Context, path string, extra func(*sql.Tx) error) error {
	data, err := fs.ReadFile(m.fsys, path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) collectSQL(dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, dir+"/"+e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// splitStatements breaks a file on semicolons, dropping comment-only
// and empty fragments. Files must not contain procedural bodies.
func splitStatements(script string) []string {
	var out []string
	for _, raw := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func versionOf(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	return base
}

func nameOf(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	base = strings.TrimSuffix(base, ".up.sql")
	base = strings.TrimSuffix(base, ".down.sql")
	if i := strings.Index(base, "_"); i > 0 {
		return base[i+1:]
	}
	return base
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ashita-ai/kansoku/internal/model"
)

// SQLiteDB is the SQLite UserStore. It holds a single connection, so writes
// are serialized by database/sql and an in-memory database stays shared.
type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens the database at path (a file path, file: URI or :memory:).
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return &SQLiteDB{db: db, logger: logger}, nil
}

// System returns the db.system span attribute value.
func (s *SQLiteDB) System() string {
	return SystemSQLite
}

// Ping checks that the database is reachable.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteDB) Close(context.Context) error {
	return s.db.Close()
}

// RunMigrations applies the embedded SQLite migrations.
func (s *SQLiteDB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, s, migrationsFS, s.logger)
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`)
	return err
}

func (s *SQLiteDB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteDB) applyMigration(ctx context.Context, name, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT DO NOTHING`, name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateUser inserts a new user.
func (s *SQLiteDB) CreateUser(ctx context.Context, name, email string) (model.User, error) {
	now := formatTime(time.Now())
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, created_at, updated_at) VALUES (?, ?, ?, ?)
		 RETURNING id, name, email, created_at, updated_at`, name, email, now, now,
	)
	u, err := scanSQLiteUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user: email %w", ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// ListUsers returns users ordered by id, optionally filtered by exact email.
func (s *SQLiteDB) ListUsers(ctx context.Context, filter model.UserFilter) ([]model.User, error) {
	query := `SELECT id, name, email, created_at, updated_at FROM users`
	var args []any
	if filter.Email != "" {
		query += ` WHERE email = ?`
		args = append(args, filter.Email)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []model.User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	return users, nil
}

// GetUser retrieves a user by id.
func (s *SQLiteDB) GetUser(ctx context.Context, id int64) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE id = ?`, id,
	)
	u, err := scanSQLiteUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// UpdateUser applies patch to the user with the given id and returns the
// updated record. A missing id returns ErrNotFound and changes nothing.
func (s *SQLiteDB) UpdateUser(ctx context.Context, id int64, patch model.UserPatch) (model.User, error) {
	if patch.Empty() {
		return s.GetUser(ctx, id)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE users
		 SET name = COALESCE(?, name), email = COALESCE(?, email), updated_at = ?
		 WHERE id = ?
		 RETURNING id, name, email, created_at, updated_at`,
		nullString(patch.Name), nullString(patch.Email), formatTime(time.Now()), id,
	)
	u, err := scanSQLiteUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
		}
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: update user: email %w", ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: update user: %w", err)
	}
	return u, nil
}

// DeleteUser removes the user with the given id.
func (s *SQLiteDB) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (model.User, error) {
	var u model.User
	var created, updated string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &created, &updated); err != nil {
		return model.User{}, err
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return model.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.User{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return u, nil
}

// Timestamps are stored as RFC 3339 text in UTC so they sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Package storage provides the user record store.
//
// Two backends implement UserStore: PostgreSQL through a pgx connection pool
// (DB) and SQLite through modernc.org/sqlite (SQLiteDB). Open picks one from
// the DSN scheme and applies the embedded migrations for that dialect.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/migrations"
)

// Values for the db.system span attribute.
const (
	SystemPostgres = "postgresql"
	SystemSQLite   = "sqlite"
)

// UserStore persists users. Lookups of a missing id return ErrNotFound;
// an email already taken returns ErrDuplicate.
type UserStore interface {
	CreateUser(ctx context.Context, name, email string) (model.User, error)
	ListUsers(ctx context.Context, filter model.UserFilter) ([]model.User, error)
	GetUser(ctx context.Context, id int64) (model.User, error)
	UpdateUser(ctx context.Context, id int64, patch model.UserPatch) (model.User, error)
	DeleteUser(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
	System() string
	Close(ctx context.Context) error
}

// Open connects to the store named by dsn and runs pending migrations.
// postgres:// and postgresql:// select PostgreSQL; sqlite://<path>, file:
// URIs and :memory: select SQLite.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (UserStore, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := New(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.Postgres()); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return db, nil

	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		db, err := NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.SQLite()); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return db, nil

	default:
		return nil, fmt.Errorf("storage: unsupported DATABASE_URL scheme in %q", redactDSN(dsn))
	}
}

// redactDSN drops everything after the scheme so credentials never reach logs.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if len(dsn) > 8 {
		return dsn[:8] + "..."
	}
	return dsn
}

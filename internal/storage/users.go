package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, name, email string) (model.User, error) {
	var u model.User
	err := db.write(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO users (name, email) VALUES ($1, $2)
			 RETURNING id, name, email, created_at, updated_at`, name, email,
		).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user: email %w", ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// ListUsers returns users ordered by id, optionally filtered by exact email.
func (db *DB) ListUsers(ctx context.Context, filter model.UserFilter) ([]model.User, error) {
	query := `SELECT id, name, email, created_at, updated_at FROM users`
	var args []any
	if filter.Email != "" {
		query += ` WHERE email = $1`
		args = append(args, filter.Email)
	}
	query += ` ORDER BY id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
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
func (db *DB) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// UpdateUser applies patch to the user with the given id and returns the
// updated record. A missing id returns ErrNotFound and changes nothing.
func (db *DB) UpdateUser(ctx context.Context, id int64, patch model.UserPatch) (model.User, error) {
	if patch.Empty() {
		return db.GetUser(ctx, id)
	}

	var u model.User
	err := db.write(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE users
			 SET name = COALESCE($2, name), email = COALESCE($3, email), updated_at = now()
			 WHERE id = $1
			 RETURNING id, name, email, created_at, updated_at`,
			id, patch.Name, patch.Email,
		).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	var affected int64
	err := db.write(ctx, func() error {
		tag, err := db.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
	}
	return nil
}

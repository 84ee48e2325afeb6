package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const AdminUsersSchema = `
CREATE TABLE IF NOT EXISTS admin_users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	enabled       BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

const adminUserColumns = `username, password_hash, role, enabled, created_at, updated_at`

// PostgresAdminUserRepository shares the key store's database.
type PostgresAdminUserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresAdminUserRepository(db *sql.DB) *PostgresAdminUserRepository {
	return &PostgresAdminUserRepository{db: db, now: time.Now}
}

func (r *PostgresAdminUserRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, AdminUsersSchema); err != nil {
		return fmt.Errorf("apply admin schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdminUser(row rowScanner) (*AdminUser, error) {
	var u AdminUser
	var role string
	if err := row.Scan(&u.Username, &u.PasswordHash, &role, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *PostgresAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE username = $1`, username)

	user, err := scanAdminUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin user: %w", err)
	}
	return user, nil
}

func (r *PostgresAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	query := `INSERT INTO admin_users (` + adminUserColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		user.Username, user.PasswordHash, string(user.Role), user.Enabled, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserExists
	}
	return nil
}

func (r *PostgresAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	query := `UPDATE admin_users SET password_hash = $2, role = $3, enabled = $4, updated_at = $5
		WHERE username = $1`

	result, err := r.db.ExecContext(ctx, query,
		user.Username, user.PasswordHash, string(user.Role), user.Enabled, r.now())
	if err != nil {
		return fmt.Errorf("update admin user: %w", err)
	}
	return requireRow(result)
}

func (r *PostgresAdminUserRepository) Delete(ctx context.Context, username string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM admin_users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("delete admin user: %w", err)
	}
	return requireRow(result)
}

func (r *PostgresAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+adminUserColumns+` FROM admin_users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query admin users: %w", err)
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		u, err := scanAdminUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func requireRow(result sql.Result) error {
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// InMemoryAdminUserRepository hands out copies so callers cannot mutate stored users.
type InMemoryAdminUserRepository struct {
	mu    sync.RWMutex
	users map[string]AdminUser
}

func NewInMemoryAdminUserRepository() *InMemoryAdminUserRepository {
	return &InMemoryAdminUserRepository{users: make(map[string]AdminUser)}
}

func (r *InMemoryAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *InMemoryAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.Username]; ok {
		return ErrUserExists
	}
	r.users[user.Username] = *user
	return nil
}

func (r *InMemoryAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.Username]; !ok {
		return ErrUserNotFound
	}
	u := *user
	u.UpdatedAt = time.Now()
	r.users[user.Username] = u
	return nil
}

func (r *InMemoryAdminUserRepository) Delete(ctx context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, username)
	return nil
}

func (r *InMemoryAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*AdminUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, &u)
	}
	slices.SortFunc(users, func(a, b *AdminUser) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity/entity"
)

var (
	ErrNotFound  = errors.New("identity not found")
	ErrDuplicate = errors.New("identity already exists")
	// ErrDuplicateEmail and ErrDuplicateUsername both match ErrDuplicate with errors.Is.
	ErrDuplicateEmail    = fmt.Errorf("%w: email taken", ErrDuplicate)
	ErrDuplicateUsername = fmt.Errorf("%w: username taken", ErrDuplicate)
)

const identityColumns = `id, email, username, password_hash, role, refresh_token, email_verified,
	first_name, last_name, created_at, updated_at`

// IdentityRepo provides data access for the users table using sqlx.
// The same type serves plain and transactional access: inside InTx the
// queries run on the transaction instead of the pool.
type IdentityRepo struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

func NewIdentityRepo(db *sqlx.DB) *IdentityRepo { return &IdentityRepo{db: db, q: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *IdentityRepo) EnsureTable(ctx context.Context) error {
	ddl := []string{`
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  email TEXT NOT NULL,
  username TEXT NOT NULL,
  password_hash TEXT,
  role TEXT NOT NULL DEFAULT 'USER' CHECK (role IN ('USER', 'ADMIN')),
  refresh_token TEXT,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  first_name TEXT,
  last_name TEXT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  CONSTRAINT users_email_key UNIQUE (email),
  CONSTRAINT users_username_key UNIQUE (username)
)`}
	if r.q.DriverName() == "sqlite" {
		ddl = []string{`
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email TEXT NOT NULL UNIQUE,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT,
  role TEXT NOT NULL DEFAULT 'USER' CHECK (role IN ('USER', 'ADMIN')),
  refresh_token TEXT,
  email_verified BOOLEAN NOT NULL DEFAULT 0,
  first_name TEXT,
  last_name TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`}
	}
	for _, stmt := range ddl {
		if _, err := r.q.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn with a repo bound to a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise. Nested calls reuse
// the outer transaction.
func (r *IdentityRepo) InTx(ctx context.Context, fn func(tx *IdentityRepo) error) error {
	if r.db == nil {
		return fn(r)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&IdentityRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Create inserts a new identity. An empty passwordHash is stored as NULL.
// Duplicate email or username surfaces as ErrDuplicateEmail / ErrDuplicateUsername.
func (r *IdentityRepo) Create(ctx context.Context, email, username, passwordHash string) (*entity.Identity, error) {
	now := time.Now().UTC().UnixMilli()
	var hash *string
	if passwordHash != "" {
		hash = &passwordHash
	}
	q := r.q.Rebind(`INSERT INTO users (email, username, password_hash, role, email_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	var id int64
	if err := r.q.QueryRowxContext(ctx, q, email, username, hash, string(entity.RoleUser), false, now, now).Scan(&id); err != nil {
		if dup := duplicateKind(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &entity.Identity{
		ID:           id,
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         entity.RoleUser,
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
	}, nil
}

// GetByEmail returns the identity with the exact (already normalized) email.
func (r *IdentityRepo) GetByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	return r.getOne(ctx, `SELECT `+identityColumns+` FROM users WHERE email = ?`, email)
}

// GetByUsername fetches by username.
func (r *IdentityRepo) GetByUsername(ctx context.Context, username string) (*entity.Identity, error) {
	return r.getOne(ctx, `SELECT `+identityColumns+` FROM users WHERE username = ?`, username)
}

// GetByID fetches a full identity row.
func (r *IdentityRepo) GetByID(ctx context.Context, id int64) (*entity.Identity, error) {
	return r.getOne(ctx, `SELECT `+identityColumns+` FROM users WHERE id = ?`, id)
}

func (r *IdentityRepo) getOne(ctx context.Context, q string, arg any) (*entity.Identity, error) {
	var row entity.Identity
	if err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(q), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// UpdateRefreshToken overwrites the single session slot. A nil token clears it.
func (r *IdentityRepo) UpdateRefreshToken(ctx context.Context, id int64, token *string) error {
	q := r.q.Rebind(`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ?`)
	return r.execOne(ctx, q, token, time.Now().UTC().UnixMilli(), id)
}

// SwapRefreshToken replaces the stored refresh token only if it still equals
// current. It reports false when another writer rotated the slot first.
func (r *IdentityRepo) SwapRefreshToken(ctx context.Context, id int64, current, next string) (bool, error) {
	q := r.q.Rebind(`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ? AND refresh_token = ?`)
	res, err := r.q.ExecContext(ctx, q, next, time.Now().UTC().UnixMilli(), id, current)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdatePassword replaces the password hash.
func (r *IdentityRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	q := r.q.Rebind(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`)
	return r.execOne(ctx, q, hash, time.Now().UTC().UnixMilli(), id)
}

// Update applies a profile patch and returns the updated row.
func (r *IdentityRepo) Update(ctx context.Context, id int64, patch entity.Patch) (*entity.Identity, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}
	if patch.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *patch.Email)
	}
	if patch.FirstName != nil {
		sets = append(sets, "first_name = ?")
		args = append(args, *patch.FirstName)
	}
	if patch.LastName != nil {
		sets = append(sets, "last_name = ?")
		args = append(args, *patch.LastName)
	}
	args = append(args, id)
	q := r.q.Rebind(`UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	if err := r.execOne(ctx, q, args...); err != nil {
		if dup := duplicateKind(err); dup != nil {
			return nil, dup
		}
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *IdentityRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.q.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// duplicateKind maps unique-constraint violations from either driver to the
// matching sentinel, or returns nil for any other error.
func duplicateKind(err error) error {
	var column string
	var pqErr *pq.Error
	var sqliteErr *sqlite.Error
	switch {
	case errors.As(err, &pqErr):
		if pqErr.Code != "23505" {
			return nil
		}
		column = pqErr.Constraint
	case errors.As(err, &sqliteErr):
		code := sqliteErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return nil
		}
		column = sqliteErr.Error()
	default:
		return nil
	}
	switch {
	case strings.Contains(column, "username"):
		return ErrDuplicateUsername
	case strings.Contains(column, "email"):
		return ErrDuplicateEmail
	default:
		return ErrDuplicate
	}
}

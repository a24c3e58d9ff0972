package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity/internal/otp/entity"
)

var ErrNotFound = errors.New("code not found")

// NOTE: otp_codes references users(id); create the users table first.

type CodeRepo struct {
	db *sqlx.DB
}

func NewCodeRepo(db *sqlx.DB) *CodeRepo {
	return &CodeRepo{db: db}
}

// EnsureTable creates the otp_codes table and its lookup index.
func (r *CodeRepo) EnsureTable(ctx context.Context) error {
	tbl := `
	CREATE TABLE IF NOT EXISTS otp_codes (
		id BIGSERIAL PRIMARY KEY,
		identity_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		code VARCHAR(6) NOT NULL,
		expires_at BIGINT NOT NULL,
		used BOOLEAN NOT NULL DEFAULT false,
		created_at BIGINT NOT NULL
	)`
	if r.db.DriverName() == "sqlite" {
		tbl = `
	CREATE TABLE IF NOT EXISTS otp_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		code VARCHAR(6) NOT NULL,
		expires_at INTEGER NOT NULL,
		used BOOLEAN NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`
	}
	if _, err := r.db.ExecContext(ctx, tbl); err != nil {
		return err
	}

	const idx = `CREATE INDEX IF NOT EXISTS idx_otp_codes_email_code ON otp_codes (email, code)`
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return err
	}
	const idxExpiry = `CREATE INDEX IF NOT EXISTS idx_otp_codes_expires_at ON otp_codes (expires_at)`
	if _, err := r.db.ExecContext(ctx, idxExpiry); err != nil {
		return err
	}
	return nil
}

// DeleteExpired removes every row, for any identity, whose expiry is before nowMs.
func (r *CodeRepo) DeleteExpired(ctx context.Context, nowMs int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM otp_codes WHERE expires_at < ?`), nowMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Save inserts c and fills in its id.
func (r *CodeRepo) Save(ctx context.Context, c *entity.Code) error {
	query := r.db.Rebind(`INSERT INTO otp_codes (identity_id, email, code, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	row := r.db.QueryRowxContext(ctx, query, c.IdentityID, c.Email, c.Code, c.ExpiresAtMs, c.Used, c.CreatedAtMs)
	return row.Scan(&c.ID)
}

// FindUnused returns the unused code matching email and value that expires
// last, so a live code wins over an expired one with the same digits.
func (r *CodeRepo) FindUnused(ctx context.Context, email, code string) (*entity.Code, error) {
	query := r.db.Rebind(`SELECT id, identity_id, email, code, expires_at, used, created_at
		FROM otp_codes WHERE email = ? AND code = ? AND used = ? ORDER BY expires_at DESC, id DESC LIMIT 1`)
	var c entity.Code
	if err := r.db.GetContext(ctx, &c, query, email, code, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// MarkUsed flips used from false to true. It reports false when the row was
// already consumed by a concurrent verification.
func (r *CodeRepo) MarkUsed(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE otp_codes SET used = ? WHERE id = ? AND used = ?`), true, id, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BindIdentity attaches codes issued to an unregistered address to the
// identity that was provisioned for it.
func (r *CodeRepo) BindIdentity(ctx context.Context, email string, identityID int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE otp_codes SET identity_id = ? WHERE email = ? AND identity_id IS NULL`), identityID, email)
	return err
}

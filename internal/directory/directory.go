// Package directory gives the core read access to a user's contact
// fields and write access limited to flipping verification flags.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/vinovest/sqlx"
)

// ErrNoUser is returned when the user id is unknown.
var ErrNoUser = errors.New("user not found")

// Directory is the boundary contract to the user store.
type Directory interface {
	// Contact returns the user's contact string for a purpose
	// (e-mail address or phone number).
	Contact(ctx context.Context, userID, purpose string) (string, error)

	// SetVerified stamps the verification flag for a purpose.
	SetVerified(ctx context.Context, userID, purpose string, at time.Time) error
}

// SQL is a Directory over the shared SQLite users table.
type SQL struct {
	db *sqlx.DB
}

// NewSQL returns a SQL-backed Directory.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

// Contact returns the user's contact string for a purpose.
func (d *SQL) Contact(ctx context.Context, userID, purpose string) (string, error) {
	col := "email"
	if purpose == models.PurposePhone {
		col = "phone"
	}

	var out string
	err := d.db.GetContext(ctx, &out, `SELECT `+col+` FROM users WHERE id = ?`, userID)
	if err == sql.ErrNoRows {
		return "", ErrNoUser
	}
	return out, err
}

// SetVerified stamps the verification timestamp for a purpose.
func (d *SQL) SetVerified(ctx context.Context, userID, purpose string, at time.Time) error {
	col := "email_verified_at"
	if purpose == models.PurposePhone {
		col = "phone_verified_at"
	}

	res, err := d.db.ExecContext(ctx, `UPDATE users SET `+col+` = ? WHERE id = ?`, at, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoUser
	}
	return nil
}

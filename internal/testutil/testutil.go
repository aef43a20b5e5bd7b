// Package testutil provides shared test fixtures.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/internal/database"
	"github.com/vinovest/sqlx"
)

// NewTestDB creates a migrated in-memory SQLite database for tests.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// NewTestUser inserts a user row and returns its id.
func NewTestUser(t *testing.T, db *sqlx.DB, id, email, phone string) string {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO users (id, email, phone, display_name) VALUES (?, ?, ?, ?)`,
		id, email, phone, "Test User")
	require.NoError(t, err)
	return id
}

// Package ledger is the durable record of every delivery attempt.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/vinovest/sqlx"
)

// ErrNotFound is returned when a delivery does not exist or is not
// owned by the requesting user.
var ErrNotFound = errors.New("delivery not found")

// Ledger provides data access over the deliveries table.
type Ledger struct {
	db *sqlx.DB
}

// New returns a Ledger over the shared database.
func New(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// Track appends one dispatch-attempt row and returns it with its id.
func (l *Ledger) Track(ctx context.Context, d models.Delivery) (models.Delivery, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.StatusPending
	}
	if d.Context == "" {
		d.Context = "{}"
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO deliveries
		 (delivery_id, user_id, type, service, channel, recipient, status, external_id,
		  attempts, max_retries, error_message, error_code, context,
		  sent_at, delivered_at, failed_at, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeliveryID, d.UserID, d.Type, d.Service, d.Channel, d.Recipient, d.Status, d.ExternalID,
		d.Attempts, d.MaxRetries, d.ErrorMessage, d.ErrorCode, d.Context,
		d.SentAt, d.DeliveredAt, d.FailedAt, d.NextRetryAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.ID, err = res.LastInsertId()
	return d, err
}

// UpdateStatus advances a row looked up by the provider's external
// message id, stamping the timestamp the target status implies.
func (l *Ledger) UpdateStatus(ctx context.Context, externalID, status, errMessage, errCode string) error {
	now := time.Now().UTC()

	q := `UPDATE deliveries SET status = ?, error_message = ?, error_code = ?, updated_at = ?`
	args := []interface{}{status, errMessage, errCode, now}

	switch status {
	case models.StatusSent:
		q += `, sent_at = ?`
		args = append(args, now)
	case models.StatusDelivered:
		q += `, delivered_at = ?`
		args = append(args, now)
	case models.StatusFailed, models.StatusBounced:
		q += `, failed_at = ?`
		args = append(args, now)
	}

	q += ` WHERE external_id = ? AND external_id != ''`
	args = append(args, externalID)

	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the latest row for a delivery id, scoped to its owner.
// A delivery belonging to someone else reports not-found.
func (l *Ledger) Get(ctx context.Context, userID, deliveryID string) (models.Delivery, error) {
	var d models.Delivery
	err := l.db.GetContext(ctx, &d,
		`SELECT * FROM deliveries WHERE user_id = ? AND delivery_id = ? ORDER BY id DESC LIMIT 1`,
		userID, deliveryID)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// History returns a user's recent delivery attempts, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, hoursBack int) ([]models.Delivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if hoursBack <= 0 {
		hoursBack = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hoursBack) * time.Hour)

	out := []models.Delivery{}
	err := l.db.SelectContext(ctx, &out,
		`SELECT * FROM deliveries WHERE user_id = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, since, limit)
	return out, err
}

// CountSince counts a user's dispatch attempts since a point in time.
// This is the basis of the per-user delivery rate limit.
func (l *Ledger) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM deliveries WHERE user_id = ? AND created_at >= ?`,
		userID, since)
	return n, err
}

// Stats are per-status counts over a window.
type Stats struct {
	Total     int `db:"total" json:"total"`
	Pending   int `db:"pending" json:"pending"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
	Bounced   int `db:"bounced" json:"bounced"`
}

// StatsByUserAndWindow aggregates a user's attempts since a point in time.
func (l *Ledger) StatsByUserAndWindow(ctx context.Context, userID string, since time.Time) (Stats, error) {
	var s Stats
	err := l.db.GetContext(ctx, &s,
		`SELECT COUNT(*) AS total,
		        SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) AS pending,
		        SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END) AS sent,
		        SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END) AS delivered,
		        SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed,
		        SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END) AS bounced
		 FROM deliveries WHERE user_id = ? AND created_at >= ?`,
		userID, since)
	return s, err
}

// FailedRetryable selects rows the background sweep should re-dispatch:
// failed, below their retry budget, and past (or without) a scheduled
// retry time.
func (l *Ledger) FailedRetryable(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []models.Delivery{}
	err := l.db.SelectContext(ctx, &out,
		`SELECT * FROM deliveries
		 WHERE status = 'failed' AND attempts < max_retries
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY id ASC LIMIT ?`,
		now, limit)
	return out, err
}

// RetryUpdate is the outcome of one retry dispatch.
type RetryUpdate struct {
	Status       string
	ExternalID   string
	ErrorMessage string
	ErrorCode    string
	NextRetryAt  *time.Time
}

// AdvanceRetry applies a retry outcome with optimistic concurrency:
// the row advances only if its attempt counter still matches the value
// the caller read. A false return means someone else got there first.
func (l *Ledger) AdvanceRetry(ctx context.Context, id int64, fromAttempts int, upd RetryUpdate) (bool, error) {
	now := time.Now().UTC()

	q := `UPDATE deliveries SET attempts = attempts + 1, status = ?, external_id = ?,
	      error_message = ?, error_code = ?, next_retry_at = ?, updated_at = ?`
	args := []interface{}{upd.Status, upd.ExternalID, upd.ErrorMessage, upd.ErrorCode, upd.NextRetryAt, now}

	switch upd.Status {
	case models.StatusSent:
		q += `, sent_at = ?`
		args = append(args, now)
	case models.StatusFailed, models.StatusBounced:
		q += `, failed_at = ?`
		args = append(args, now)
	}

	q += ` WHERE id = ? AND attempts = ?`
	args = append(args, id, fromAttempts)

	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

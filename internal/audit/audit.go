// Package audit is the append-only security-event stream. Writers
// record events fire-and-forget through a Dispatcher; the stream is
// read back only through the windowed queries on Log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/vinovest/sqlx"
)

// Actions recorded by the core. Callers may record their own labels;
// these are the ones the monitor's threshold table knows about.
const (
	ActionOTPCreate      = "otp_create"
	ActionOTPVerify      = "otp_verify"
	ActionOTPSend        = "otp_send"
	ActionOTPRetry       = "otp_retry"
	ActionPasswordChange = "password_change"

	ActionAlert    = "suspicious_activity_alert"
	ActionMeasures = "recommended_measures"
)

// Event is one audit entry before it is persisted.
type Event struct {
	UserID    string
	Action    string
	Success   bool
	Details   map[string]interface{}
	IP        string
	UserAgent string
	At        time.Time
}

// Sink consumes dispatched events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Log is the SQL-backed event store and its windowed read queries.
type Log struct {
	db *sqlx.DB
}

// NewLog returns a Log over the shared database.
func NewLog(db *sqlx.DB) *Log {
	return &Log{db: db}
}

// Insert appends one event.
func (l *Log) Insert(ctx context.Context, ev Event) error {
	details := "{}"
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = string(b)
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO security_events (user_id, action, success, details, ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.Action, ev.Success, details, ev.IP, ev.UserAgent, at)
	return err
}

// Record implements Sink by persisting the event.
func (l *Log) Record(ctx context.Context, ev Event) {
	// Best effort. Audit must never fail the primary operation.
	_ = l.Insert(ctx, ev)
}

// CountFailures counts failed events for an action since a point in time.
func (l *Log) CountFailures(ctx context.Context, userID, action string, since time.Time) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM security_events
		 WHERE user_id = ? AND action = ? AND success = 0 AND created_at >= ?`,
		userID, action, since)
	return n, err
}

// CountEvents counts all events for a user since a point in time.
func (l *Log) CountEvents(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM security_events WHERE user_id = ? AND created_at >= ?`,
		userID, since)
	return n, err
}

// DistinctFailureIPs returns the distinct non-empty IPs behind failed
// events for an action since a point in time.
func (l *Log) DistinctFailureIPs(ctx context.Context, userID, action string, since time.Time) ([]string, error) {
	var out []string
	err := l.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ip FROM security_events
		 WHERE user_id = ? AND action = ? AND success = 0 AND ip != '' AND created_at >= ?`,
		userID, action, since)
	return out, err
}

// CountIPSuccesses counts the user's successful events from one IP
// since a point in time.
func (l *Log) CountIPSuccesses(ctx context.Context, userID, ip string, since time.Time) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM security_events
		 WHERE user_id = ? AND ip = ? AND success = 1 AND created_at >= ?`,
		userID, ip, since)
	return n, err
}

// KnownIPs returns the distinct IPs seen on the user's recent
// successful events.
func (l *Log) KnownIPs(ctx context.Context, userID string, since time.Time) ([]string, error) {
	var out []string
	err := l.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ip FROM security_events
		 WHERE user_id = ? AND success = 1 AND ip != '' AND created_at >= ?`,
		userID, since)
	return out, err
}

// Recent returns the user's latest events, newest first.
func (l *Log) Recent(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.SecurityEvent
	err := l.db.SelectContext(ctx, &out,
		`SELECT * FROM security_events WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	return out, err
}

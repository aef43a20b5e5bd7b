package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/internal/testutil"
	"github.com/tradeyard/otpcourier/pkg/models"
)

func newLedger(t *testing.T) *Ledger {
	return New(testutil.NewTestDB(t))
}

func track(t *testing.T, l *Ledger, d models.Delivery) models.Delivery {
	t.Helper()
	if d.DeliveryID == "" {
		d.DeliveryID = "d-1"
	}
	if d.UserID == "" {
		d.UserID = "user1"
	}
	if d.Type == "" {
		d.Type = "otp"
	}
	if d.Service == "" {
		d.Service = "smtp"
	}
	if d.Channel == "" {
		d.Channel = models.MethodEmail
	}
	if d.Recipient == "" {
		d.Recipient = "user1@example.com"
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	out, err := l.Track(context.Background(), d)
	require.NoError(t, err)
	return out
}

func TestTrackAndGet(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	d := track(t, l, models.Delivery{Status: models.StatusSent, ExternalID: "ext-1"})
	assert.NotZero(t, d.ID)

	out, err := l.Get(ctx, "user1", "d-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, out.ID)
	assert.Equal(t, models.StatusSent, out.Status)

	// Ownership is enforced: someone else's id reports not-found.
	_, err = l.Get(ctx, "user2", "d-1")
	assert.Equal(t, ErrNotFound, err)

	_, err = l.Get(ctx, "user1", "no-such")
	assert.Equal(t, ErrNotFound, err)
}

func TestGetReturnsLatestRow(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	track(t, l, models.Delivery{Status: models.StatusFailed})
	second := track(t, l, models.Delivery{Status: models.StatusSent, Service: "twilio", Channel: models.MethodSMS})

	out, err := l.Get(ctx, "user1", "d-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, out.ID, "latest row for the delivery id should win")
}

func TestUpdateStatusStampsTimestamps(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	track(t, l, models.Delivery{Status: models.StatusSent, ExternalID: "ext-9"})

	require.NoError(t, l.UpdateStatus(ctx, "ext-9", models.StatusDelivered, "", ""))
	out, err := l.Get(ctx, "user1", "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, out.Status)
	assert.NotNil(t, out.DeliveredAt)

	require.NoError(t, l.UpdateStatus(ctx, "ext-9", models.StatusBounced, "mailbox full", "552"))
	out, err = l.Get(ctx, "user1", "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBounced, out.Status)
	assert.NotNil(t, out.FailedAt)
	assert.Equal(t, "mailbox full", out.ErrorMessage)

	// Unknown or empty external ids match nothing.
	assert.Equal(t, ErrNotFound, l.UpdateStatus(ctx, "nope", models.StatusDelivered, "", ""))
	assert.Equal(t, ErrNotFound, l.UpdateStatus(ctx, "", models.StatusDelivered, "", ""))
}

func TestHistoryAndCount(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		track(t, l, models.Delivery{DeliveryID: "d-h", Status: models.StatusSent})
	}
	track(t, l, models.Delivery{DeliveryID: "d-h", UserID: "user2", Status: models.StatusSent})

	out, err := l.History(ctx, "user1", 10, 24)
	require.NoError(t, err)
	assert.Len(t, out, 3, "history should be scoped to the user")

	n, err := l.CountSince(ctx, "user1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = l.CountSince(ctx, "user1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatsByUserAndWindow(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	track(t, l, models.Delivery{DeliveryID: "d-1", Status: models.StatusSent})
	track(t, l, models.Delivery{DeliveryID: "d-2", Status: models.StatusFailed})
	track(t, l, models.Delivery{DeliveryID: "d-3", Status: models.StatusFailed})

	s, err := l.StatsByUserAndWindow(ctx, "user1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Sent)
	assert.Equal(t, 2, s.Failed)
}

func TestFailedRetryable(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Eligible: failed, attempts below budget, no schedule.
	a := track(t, l, models.Delivery{DeliveryID: "d-a", Status: models.StatusFailed})
	// Not yet due.
	future := now.Add(time.Hour)
	track(t, l, models.Delivery{DeliveryID: "d-b", Status: models.StatusFailed, NextRetryAt: &future})
	// Exhausted.
	track(t, l, models.Delivery{DeliveryID: "d-c", Status: models.StatusFailed, Attempts: 3})
	// Not failed.
	track(t, l, models.Delivery{DeliveryID: "d-d", Status: models.StatusSent})

	out, err := l.FailedRetryable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a.ID, out[0].ID)
}

func TestAdvanceRetryCAS(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	d := track(t, l, models.Delivery{Status: models.StatusFailed})

	next := time.Now().UTC().Add(30 * time.Minute)
	ok, err := l.AdvanceRetry(ctx, d.ID, 0, RetryUpdate{
		Status:      models.StatusFailed,
		NextRetryAt: &next,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second update from the same stale read must lose.
	ok, err = l.AdvanceRetry(ctx, d.ID, 0, RetryUpdate{Status: models.StatusSent})
	require.NoError(t, err)
	assert.False(t, ok, "stale retry should not advance the row")

	out, err := l.Get(ctx, "user1", "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.NotNil(t, out.NextRetryAt)
}

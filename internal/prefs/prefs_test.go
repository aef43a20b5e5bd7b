package prefs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/internal/testutil"
	"github.com/tradeyard/otpcourier/pkg/models"
)

func newStore(t *testing.T) *Store {
	return NewStore(testutil.NewTestDB(t))
}

func strp(s string) *string { return &s }

func boolp(b bool) *bool { return &b }

func intp(n int) *int { return &n }

func TestGetOrCreate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, models.MethodAuto, p.Method)
	assert.Equal(t, models.ServiceAuto, p.Service)
	assert.True(t, p.AllowFallback)
	assert.Equal(t, 10, p.Limits.MaxPerHour)
	assert.Equal(t, 50, p.Limits.MaxPerDay)
	assert.True(t, p.SecurityAlerts)

	// Second access returns the persisted row, not fresh defaults.
	again, err := s.GetOrCreate(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, p.UserID, again.UserID)
	assert.Equal(t, p.CreatedAt, again.CreatedAt)
}

func TestUpdatePartialMerge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p, err := s.Update(ctx, "user1", Patch{
		Method:  strp(models.MethodSMS),
		Service: strp("twilio"),
		Window: &WindowPatch{
			Enabled: boolp(true),
			Start:   strp("08:00"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodSMS, p.Method)
	assert.Equal(t, "twilio", p.Service)
	assert.True(t, p.Window.Enabled)
	assert.Equal(t, "08:00", p.Window.Start)
	// Untouched nested fields keep their values.
	assert.Equal(t, "21:00", p.Window.End)
	assert.Equal(t, "UTC", p.Window.Timezone)
	assert.True(t, p.AllowFallback)

	// A second patch only touches limits.
	p, err = s.Update(ctx, "user1", Patch{
		Limits: &LimitsPatch{MaxPerHour: intp(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limits.MaxPerHour)
	assert.Equal(t, 50, p.Limits.MaxPerDay)
	assert.Equal(t, models.MethodSMS, p.Method, "earlier patch should persist")
}

func TestUpdateFallbackList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	fb := []models.FallbackEntry{
		{Service: "smtp", Method: models.MethodEmail, Priority: 2},
		{Service: "twilio", Method: models.MethodSMS, Priority: 3},
	}
	p, err := s.Update(ctx, "user1", Patch{Fallback: &fb})
	require.NoError(t, err)
	assert.Equal(t, fb, p.Fallback)
}

func TestUpdateValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "user1", Patch{Method: strp("pigeon")})
	var cerr *models.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeValidation, cerr.Code)

	dup := []models.FallbackEntry{
		{Service: "smtp", Method: models.MethodEmail, Priority: 2},
		{Service: "twilio", Method: models.MethodSMS, Priority: 2},
	}
	_, err = s.Update(ctx, "user1", Patch{Fallback: &dup})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeValidation, cerr.Code)

	_, err = s.Update(ctx, "user1", Patch{Window: &WindowPatch{Start: strp("25:99")}})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeValidation, cerr.Code)

	_, err = s.Update(ctx, "user1", Patch{Limits: &LimitsPatch{MaxPerHour: intp(0)}})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeValidation, cerr.Code)
}

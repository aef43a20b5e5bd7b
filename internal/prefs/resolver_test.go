package prefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/pkg/models"
)

var testCatalog = []models.Service{
	{Name: "phone-email", Methods: []string{models.MethodSMS, models.MethodEmail}},
	{Name: "twilio", Methods: []string{models.MethodSMS}},
	{Name: "smtp", Methods: []string{models.MethodEmail}},
}

func TestResolvePlanPreferredWithCatalogFallback(t *testing.T) {
	p := Defaults("user1")
	p.Method = models.MethodSMS
	p.Service = "twilio"

	want := []models.PlanStep{
		{Service: "twilio", Method: models.MethodSMS, Priority: 1},
		{Service: "phone-email", Method: models.MethodSMS, Priority: 2},
		{Service: "phone-email", Method: models.MethodEmail, Priority: 3},
		{Service: "smtp", Method: models.MethodEmail, Priority: 4},
	}
	assert.Equal(t, want, ResolvePlan(p, testCatalog))
}

func TestResolvePlanDeterministic(t *testing.T) {
	p := Defaults("user1")
	p.Method = models.MethodSMS
	p.Service = "twilio"

	first := ResolvePlan(p, testCatalog)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ResolvePlan(p, testCatalog), "plan should be stable across calls")
	}

	seen := map[int]bool{}
	last := 0
	for _, step := range first {
		assert.False(t, seen[step.Priority], "duplicate priority %d", step.Priority)
		assert.Greater(t, step.Priority, last, "priorities should be strictly ascending")
		seen[step.Priority] = true
		last = step.Priority
	}
}

func TestResolvePlanCustomFallback(t *testing.T) {
	p := Defaults("user1")
	p.Method = models.MethodEmail
	p.Service = "smtp"
	p.Fallback = []models.FallbackEntry{
		{Service: "twilio", Method: models.MethodSMS, Priority: 5},
		{Service: "phone-email", Method: models.MethodSMS, Priority: 2},
		// Not in the catalog; dropped.
		{Service: "carrier-pigeon", Method: models.MethodSMS, Priority: 3},
	}

	want := []models.PlanStep{
		{Service: "smtp", Method: models.MethodEmail, Priority: 1},
		{Service: "phone-email", Method: models.MethodSMS, Priority: 2},
		{Service: "twilio", Method: models.MethodSMS, Priority: 5},
	}
	assert.Equal(t, want, ResolvePlan(p, testCatalog))
}

func TestResolvePlanNoFallbackNoMatch(t *testing.T) {
	p := Defaults("user1")
	p.Method = models.MethodSMS
	p.Service = "smtp" // smtp doesn't carry sms
	p.AllowFallback = false

	assert.Empty(t, ResolvePlan(p, testCatalog), "no preferred match and no fallback means an empty plan")
}

func TestResolvePlanAutoPreference(t *testing.T) {
	p := Defaults("user1") // auto/auto, fallback on

	want := []models.PlanStep{
		{Service: "phone-email", Method: models.MethodSMS, Priority: 1},
		{Service: "phone-email", Method: models.MethodEmail, Priority: 2},
		{Service: "twilio", Method: models.MethodSMS, Priority: 3},
		{Service: "smtp", Method: models.MethodEmail, Priority: 4},
	}
	assert.Equal(t, want, ResolvePlan(p, testCatalog))
}

func TestInWindow(t *testing.T) {
	p := Defaults("user1")

	// Disabled window always passes.
	assert.True(t, InWindow(p, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)))

	p.Window = models.DeliveryWindow{Enabled: true, Start: "09:00", End: "21:00", Timezone: "UTC"}
	assert.True(t, InWindow(p, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, InWindow(p, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)), "start is inclusive")
	assert.True(t, InWindow(p, time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC)), "end is inclusive")
	assert.False(t, InWindow(p, time.Date(2024, 1, 1, 8, 59, 0, 0, time.UTC)))
	assert.False(t, InWindow(p, time.Date(2024, 1, 1, 21, 1, 0, 0, time.UTC)))
}

func TestInWindowTimezone(t *testing.T) {
	p := Defaults("user1")
	p.Window = models.DeliveryWindow{Enabled: true, Start: "09:00", End: "21:00", Timezone: "Asia/Kolkata"}

	// 04:30 UTC is 10:00 in Kolkata.
	assert.True(t, InWindow(p, time.Date(2024, 1, 1, 4, 30, 0, 0, time.UTC)))
	// 17:00 UTC is 22:30 in Kolkata.
	assert.False(t, InWindow(p, time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)))
}

func TestInWindowOvernightLimitation(t *testing.T) {
	// A window meant to span 22:00 -> 08:00 overnight. The lexical
	// HH:MM comparison cannot represent it: 23:00 is reported outside
	// even though the user intent is inside. This pins the current
	// behavior so a future fix is a deliberate change.
	p := Defaults("user1")
	p.Window = models.DeliveryWindow{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"}

	assert.False(t, InWindow(p, time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)),
		"known limitation: overnight windows don't match after start")
	assert.False(t, InWindow(p, time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)),
		"known limitation: overnight windows don't match before end")
}

// fakeCounter returns canned dispatch counts.
type fakeCounter struct {
	hour, day int
}

func (f fakeCounter) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if time.Since(since) < 2*time.Hour {
		return f.hour, nil
	}
	return f.day, nil
}

func TestCheckRateLimit(t *testing.T) {
	p := Defaults("user1")
	p.Limits = models.RateLimits{MaxPerHour: 3, MaxPerDay: 10, CooldownMinutes: 15}

	s, err := CheckRateLimit(context.Background(), fakeCounter{hour: 1, day: 5}, p)
	require.NoError(t, err)
	assert.True(t, s.Allowed())
	assert.Equal(t, 1, s.HourlyCount)
	assert.Equal(t, 3, s.HourlyLimit)

	s, err = CheckRateLimit(context.Background(), fakeCounter{hour: 3, day: 5}, p)
	require.NoError(t, err)
	assert.False(t, s.WithinHourly)
	assert.True(t, s.WithinDaily)
	assert.False(t, s.Allowed())

	s, err = CheckRateLimit(context.Background(), fakeCounter{hour: 1, day: 10}, p)
	require.NoError(t, err)
	assert.True(t, s.WithinHourly)
	assert.False(t, s.WithinDaily)
	assert.False(t, s.Allowed())
}

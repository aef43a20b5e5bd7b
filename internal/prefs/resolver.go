package prefs

import (
	"context"
	"sort"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
)

// ResolvePlan turns preferences and the service catalog into an
// ordered list of (service, method) candidates. The result is
// deterministic: equal-priority candidates keep catalog order.
func ResolvePlan(p models.Preferences, catalog []models.Service) []models.PlanStep {
	var (
		plan  []models.PlanStep
		used  = map[string]bool{}
		taken = map[int]bool{}
	)

	key := func(service, method string) string { return service + "/" + method }
	nextFree := func() int {
		n := 1
		for taken[n] {
			n++
		}
		return n
	}
	add := func(service, method string, priority int) {
		if priority <= 0 || taken[priority] {
			priority = nextFree()
		}
		plan = append(plan, models.PlanStep{Service: service, Method: method, Priority: priority})
		used[key(service, method)] = true
		taken[priority] = true
	}

	// A concrete preferred (service, method) pair goes first, if the
	// catalog actually carries it.
	if p.Method != models.MethodAuto && p.Service != models.ServiceAuto {
		for _, svc := range catalog {
			if svc.Name == p.Service && svc.Has(p.Method) {
				add(svc.Name, p.Method, 1)
				break
			}
		}
	}

	if p.AllowFallback {
		if len(p.Fallback) > 0 {
			// Explicit fallback order, filtered to what the catalog has.
			for _, f := range p.Fallback {
				if used[key(f.Service, f.Method)] {
					continue
				}
				for _, svc := range catalog {
					if svc.Name == f.Service && svc.Has(f.Method) {
						add(f.Service, f.Method, f.Priority)
						break
					}
				}
			}
		} else {
			// Every capability in catalog order.
			for _, svc := range catalog {
				for _, m := range svc.Methods {
					if !used[key(svc.Name, m)] {
						add(svc.Name, m, 0)
					}
				}
			}
		}
	}

	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Priority < plan[j].Priority })
	return plan
}

// InWindow reports whether now falls inside the user's delivery
// window. A disabled window always passes. The comparison is lexical
// on HH:MM strings, inclusive on both ends; a window whose start sorts
// after its end (one that crosses midnight) never matches the hours
// before midnight. Upstream intent for such windows is ambiguous, so
// the comparison is kept as-is.
func InWindow(p models.Preferences, now time.Time) bool {
	w := p.Window
	if !w.Enabled {
		return true
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}

	hm := now.In(loc).Format("15:04")
	return hm >= w.Start && hm <= w.End
}

// DispatchCounter counts a user's dispatch attempts since a point in
// time. The delivery ledger satisfies this.
type DispatchCounter interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// RateLimitStatus carries both verdicts and the raw counts for client
// display.
type RateLimitStatus struct {
	WithinHourly bool `json:"within_hourly"`
	WithinDaily  bool `json:"within_daily"`
	HourlyCount  int  `json:"hourly_count"`
	HourlyLimit  int  `json:"hourly_limit"`
	DailyCount   int  `json:"daily_count"`
	DailyLimit   int  `json:"daily_limit"`
}

// Allowed reports whether a new dispatch may proceed.
func (s RateLimitStatus) Allowed() bool {
	return s.WithinHourly && s.WithinDaily
}

// CheckRateLimit compares a user's dispatch counts in the trailing
// hour and day against their thresholds.
func CheckRateLimit(ctx context.Context, counter DispatchCounter, p models.Preferences) (RateLimitStatus, error) {
	now := time.Now().UTC()

	hour, err := counter.CountSince(ctx, p.UserID, now.Add(-time.Hour))
	if err != nil {
		return RateLimitStatus{}, err
	}
	day, err := counter.CountSince(ctx, p.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return RateLimitStatus{}, err
	}

	return RateLimitStatus{
		WithinHourly: hour < p.Limits.MaxPerHour,
		WithinDaily:  day < p.Limits.MaxPerDay,
		HourlyCount:  hour,
		HourlyLimit:  p.Limits.MaxPerHour,
		DailyCount:   day,
		DailyLimit:   p.Limits.MaxPerDay,
	}, nil
}

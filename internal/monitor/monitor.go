// Package monitor scans the audit stream for abuse patterns. It is
// purely advisory: detections produce alert and recommended-measures
// events (and optional e-mails) but never block the operation that
// triggered them.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradeyard/otpcourier/internal/audit"
	"github.com/tradeyard/otpcourier/internal/directory"
	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/zerodha/logf"
)

// Patterns reported in alert events.
const (
	patternRepeatedFailures = "repeated_failures"
	patternLocationChange   = "location_change"
	patternMultipleIPs      = "multiple_ip_attempts"
	patternRapidRequests    = "rapid_requests"
)

// Mailer sends alert mail. The smtp channel adapter satisfies it.
type Mailer interface {
	Send(method, to, subject string, body []byte) (models.Receipt, error)
}

// PrefLookup exposes the user's notification toggles.
type PrefLookup interface {
	GetOrCreate(ctx context.Context, userID string) (models.Preferences, error)
}

type Conf struct {
	// Trailing window for the per-action failure counts.
	Window time.Duration `json:"window"`

	// Per-action failure thresholds; actions not listed use Default.
	Thresholds map[string]int `json:"thresholds"`
	Default    int            `json:"default_threshold"`

	// Distinct failing IPs within MultiIPWindow that flag an attack.
	MultiIPWindow time.Duration `json:"multi_ip_window"`
	MultiIPMin    int           `json:"multi_ip_min"`

	// Events of any kind within BurstWindow that flag a burst.
	BurstWindow time.Duration `json:"burst_window"`
	BurstMax    int           `json:"burst_max"`

	// Lookback for the known-IP history behind the location-change check.
	KnownIPWindow time.Duration `json:"known_ip_window"`

	// Admin alert recipient. Empty disables admin mail.
	AdminEmail string `json:"admin_email"`
}

// DefaultConf returns the stock detection thresholds.
func DefaultConf() Conf {
	return Conf{
		Window: time.Hour,
		Thresholds: map[string]int{
			audit.ActionPasswordChange: 3,
			audit.ActionOTPVerify:      3,
		},
		Default:       5,
		MultiIPWindow: 30 * time.Minute,
		MultiIPMin:    3,
		BurstWindow:   5 * time.Minute,
		BurstMax:      20,
		KnownIPWindow: 30 * 24 * time.Hour,
	}
}

// Monitor consumes dispatched audit events and runs the detectors on
// each. It writes its own alert events straight to the log, not back
// through the dispatcher, so a detection can never feed itself.
type Monitor struct {
	cfg    Conf
	log    *audit.Log
	dir    directory.Directory
	prefs  PrefLookup
	mailer Mailer
	lo     logf.Logger
}

func New(cfg Conf, log *audit.Log, dir directory.Directory, prefs PrefLookup, mailer Mailer, lo logf.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Default <= 0 {
		cfg.Default = 5
	}
	return &Monitor{cfg: cfg, log: log, dir: dir, prefs: prefs, mailer: mailer, lo: lo}
}

// Record implements audit.Sink.
func (m *Monitor) Record(ctx context.Context, ev audit.Event) {
	switch ev.Action {
	case audit.ActionAlert, audit.ActionMeasures:
		return
	}
	if ev.UserID == "" {
		return
	}
	m.scan(ctx, ev)
}

func (m *Monitor) threshold(action string) int {
	if t, ok := m.cfg.Thresholds[action]; ok {
		return t
	}
	return m.cfg.Default
}

func (m *Monitor) scan(ctx context.Context, ev audit.Event) {
	now := ev.At
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		patterns []string
		fails    int
	)

	n, err := m.log.CountFailures(ctx, ev.UserID, ev.Action, now.Add(-m.cfg.Window))
	if err != nil {
		m.lo.Error("error counting failures", "user_id", ev.UserID, "error", err)
	} else if fails = n; n >= m.threshold(ev.Action) {
		patterns = append(patterns, patternRepeatedFailures+":"+ev.Action)
	}

	// A successful password change from an IP with no prior successful
	// history reads as a location change. The count includes the event
	// being scanned, so anything beyond it means the IP is known.
	if ev.Action == audit.ActionPasswordChange && ev.Success && ev.IP != "" {
		seen, err := m.log.CountIPSuccesses(ctx, ev.UserID, ev.IP, now.Add(-m.cfg.KnownIPWindow))
		if err != nil {
			m.lo.Error("error checking ip history", "user_id", ev.UserID, "error", err)
		} else if seen <= 1 {
			patterns = append(patterns, patternLocationChange)
		}
	}

	if ev.Action == audit.ActionOTPVerify && !ev.Success {
		ips, err := m.log.DistinctFailureIPs(ctx, ev.UserID, ev.Action, now.Add(-m.cfg.MultiIPWindow))
		if err != nil {
			m.lo.Error("error listing failure ips", "user_id", ev.UserID, "error", err)
		} else if len(ips) >= m.cfg.MultiIPMin {
			patterns = append(patterns, patternMultipleIPs)
		}
	}

	total, err := m.log.CountEvents(ctx, ev.UserID, now.Add(-m.cfg.BurstWindow))
	if err != nil {
		m.lo.Error("error counting events", "user_id", ev.UserID, "error", err)
	} else if total >= m.cfg.BurstMax {
		patterns = append(patterns, patternRapidRequests)
	}

	if len(patterns) == 0 {
		return
	}
	m.raise(ctx, ev, patterns, fails, now)
}

// raise records the alert and advisory-measures events and sends the
// alert mail. Every step is best effort.
func (m *Monitor) raise(ctx context.Context, ev audit.Event, patterns []string, fails int, now time.Time) {
	m.lo.Warn("suspicious activity detected",
		"user_id", ev.UserID, "action", ev.Action, "patterns", strings.Join(patterns, ","))

	details := map[string]interface{}{
		"patterns":      patterns,
		"action":        ev.Action,
		"failure_count": fails,
		"window":        m.cfg.Window.String(),
		"ip":            ev.IP,
	}
	if err := m.log.Insert(ctx, audit.Event{
		UserID: ev.UserID, Action: audit.ActionAlert, Success: true,
		Details: details, IP: ev.IP, UserAgent: ev.UserAgent, At: now,
	}); err != nil {
		m.lo.Error("error recording alert event", "user_id", ev.UserID, "error", err)
	}

	if err := m.log.Insert(ctx, audit.Event{
		UserID: ev.UserID, Action: audit.ActionMeasures, Success: true,
		Details: map[string]interface{}{
			"patterns": patterns,
			"measures": measuresFor(patterns),
		},
		At: now,
	}); err != nil {
		m.lo.Error("error recording measures event", "user_id", ev.UserID, "error", err)
	}

	m.notify(ctx, ev, patterns, fails, now)
}

// measuresFor maps detected patterns to recommended (not enforced)
// remediation steps.
func measuresFor(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, patternRepeatedFailures):
			out = append(out, "temporary_lock")
		case p == patternMultipleIPs:
			out = append(out, "tighten_rate_limits")
		case p == patternLocationChange:
			out = append(out, "verify_identity")
		case p == patternRapidRequests:
			out = append(out, "tighten_rate_limits")
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m *Monitor) notify(ctx context.Context, ev audit.Event, patterns []string, fails int, now time.Time) {
	if m.mailer == nil {
		return
	}

	summary := fmt.Sprintf(
		"Suspicious activity was detected on your account at %s.\n\n"+
			"Patterns: %s\nAction: %s\nFailures in the last %s: %d\nIP: %s\n\n"+
			"If this was not you, change your password immediately.",
		now.Format(time.RFC1123), strings.Join(patterns, ", "),
		ev.Action, m.cfg.Window, fails, ev.IP)

	if m.userAlertsEnabled(ctx, ev.UserID) {
		to, err := m.dir.Contact(ctx, ev.UserID, models.PurposeEmail)
		if err != nil {
			m.lo.Error("error resolving alert recipient", "user_id", ev.UserID, "error", err)
		} else if to != "" {
			if _, err := m.mailer.Send(models.MethodEmail, to, "Security alert on your account", []byte(summary)); err != nil {
				m.lo.Error("error sending user alert mail", "user_id", ev.UserID, "error", err)
			}
		}
	}

	if m.cfg.AdminEmail != "" {
		body := fmt.Sprintf("%s\n\nUser: %s\nUser-Agent: %s", summary, ev.UserID, ev.UserAgent)
		if _, err := m.mailer.Send(models.MethodEmail, m.cfg.AdminEmail,
			fmt.Sprintf("Suspicious activity: user %s", ev.UserID), []byte(body)); err != nil {
			m.lo.Error("error sending admin alert mail", "user_id", ev.UserID, "error", err)
		}
	}
}

func (m *Monitor) userAlertsEnabled(ctx context.Context, userID string) bool {
	if m.prefs == nil {
		return true
	}
	p, err := m.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		m.lo.Error("error loading alert preferences", "user_id", userID, "error", err)
		return false
	}
	return p.SecurityAlerts
}

// Package prefs holds per-user delivery configuration and turns it
// into an ordered channel plan.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/vinovest/sqlx"
)

// Defaults are the preferences lazily created on first access.
func Defaults(userID string) models.Preferences {
	return models.Preferences{
		UserID:        userID,
		Method:        models.MethodAuto,
		Service:       models.ServiceAuto,
		AllowFallback: true,
		Window: models.DeliveryWindow{
			Enabled:  false,
			Start:    "09:00",
			End:      "21:00",
			Timezone: "UTC",
		},
		Limits: models.RateLimits{
			MaxPerHour:      10,
			MaxPerDay:       50,
			CooldownMinutes: 15,
		},
		SecurityAlerts: true,
	}
}

// Store is the SQL-backed preference repository.
type Store struct {
	db *sqlx.DB
}

// NewStore returns a Store over the shared database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// prefRow maps the JSON-packed columns alongside the scalar ones.
type prefRow struct {
	models.Preferences
	FallbackJSON string `db:"fallback"`
	WindowJSON   string `db:"window"`
	LimitsJSON   string `db:"limits"`
}

func (r prefRow) unpack() (models.Preferences, error) {
	p := r.Preferences
	if r.FallbackJSON != "" && r.FallbackJSON != "[]" {
		if err := json.Unmarshal([]byte(r.FallbackJSON), &p.Fallback); err != nil {
			return p, fmt.Errorf("error decoding fallback list: %w", err)
		}
	}
	if r.WindowJSON != "" && r.WindowJSON != "{}" {
		if err := json.Unmarshal([]byte(r.WindowJSON), &p.Window); err != nil {
			return p, fmt.Errorf("error decoding delivery window: %w", err)
		}
	}
	if r.LimitsJSON != "" && r.LimitsJSON != "{}" {
		if err := json.Unmarshal([]byte(r.LimitsJSON), &p.Limits); err != nil {
			return p, fmt.Errorf("error decoding rate limits: %w", err)
		}
	}
	return p, nil
}

// GetOrCreate returns a user's preferences, persisting defaults on
// first access.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (models.Preferences, error) {
	p, err := s.get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return p, err
	}

	def := Defaults(userID)
	if err := s.insert(ctx, def); err != nil {
		return def, err
	}
	return s.get(ctx, userID)
}

func (s *Store) get(ctx context.Context, userID string) (models.Preferences, error) {
	var r prefRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM delivery_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return models.Preferences{}, err
	}
	return r.unpack()
}

func (s *Store) insert(ctx context.Context, p models.Preferences) error {
	fallback, _ := json.Marshal(p.Fallback)
	window, _ := json.Marshal(p.Window)
	limits, _ := json.Marshal(p.Limits)
	now := time.Now().UTC()

	// OR IGNORE keeps two concurrent first accesses from racing.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_preferences
		 (user_id, method, service, allow_fallback, fallback, window, limits,
		  security_alerts, delivery_receipts, large_text, high_contrast, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Method, p.Service, p.AllowFallback, string(fallback), string(window), string(limits),
		p.SecurityAlerts, p.DeliveryReceipts, p.LargeText, p.HighContrast, now, now)
	return err
}

// Patch is a partial, additive preference update. Only non-nil fields
// are applied.
type Patch struct {
	Method         *string                 `json:"method"`
	Service        *string                 `json:"service"`
	AllowFallback  *bool                   `json:"allow_fallback"`
	Fallback       *[]models.FallbackEntry `json:"fallback"`
	Window         *WindowPatch            `json:"window"`
	Limits         *LimitsPatch            `json:"limits"`
	SecurityAlerts *bool                   `json:"security_alerts"`
	DeliveryRcpts  *bool                   `json:"delivery_receipts"`
	LargeText      *bool                   `json:"large_text"`
	HighContrast   *bool                   `json:"high_contrast"`
}

// WindowPatch is a partial delivery-window update.
type WindowPatch struct {
	Enabled  *bool   `json:"enabled"`
	Start    *string `json:"start"`
	End      *string `json:"end"`
	Timezone *string `json:"timezone"`
}

// LimitsPatch is a partial rate-limit update.
type LimitsPatch struct {
	MaxPerHour      *int `json:"max_per_hour"`
	MaxPerDay       *int `json:"max_per_day"`
	CooldownMinutes *int `json:"cooldown_minutes"`
}

// Update merges a patch into a user's preferences and persists the
// result. Preferences are never deleted; reset is a disabled
// operation at the policy layer.
func (s *Store) Update(ctx context.Context, userID string, patch Patch) (models.Preferences, error) {
	p, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return p, err
	}

	merge(&p, patch)
	if err := validate(p); err != nil {
		return p, err
	}

	fallback, _ := json.Marshal(p.Fallback)
	window, _ := json.Marshal(p.Window)
	limits, _ := json.Marshal(p.Limits)

	_, err = s.db.ExecContext(ctx,
		`UPDATE delivery_preferences SET method = ?, service = ?, allow_fallback = ?,
		 fallback = ?, window = ?, limits = ?, security_alerts = ?, delivery_receipts = ?,
		 large_text = ?, high_contrast = ?, updated_at = ?
		 WHERE user_id = ?`,
		p.Method, p.Service, p.AllowFallback, string(fallback), string(window), string(limits),
		p.SecurityAlerts, p.DeliveryReceipts, p.LargeText, p.HighContrast, time.Now().UTC(),
		userID)
	if err != nil {
		return p, err
	}
	return s.get(ctx, userID)
}

func merge(p *models.Preferences, patch Patch) {
	if patch.Method != nil {
		p.Method = *patch.Method
	}
	if patch.Service != nil {
		p.Service = *patch.Service
	}
	if patch.AllowFallback != nil {
		p.AllowFallback = *patch.AllowFallback
	}
	if patch.Fallback != nil {
		p.Fallback = *patch.Fallback
	}
	if w := patch.Window; w != nil {
		if w.Enabled != nil {
			p.Window.Enabled = *w.Enabled
		}
		if w.Start != nil {
			p.Window.Start = *w.Start
		}
		if w.End != nil {
			p.Window.End = *w.End
		}
		if w.Timezone != nil {
			p.Window.Timezone = *w.Timezone
		}
	}
	if l := patch.Limits; l != nil {
		if l.MaxPerHour != nil {
			p.Limits.MaxPerHour = *l.MaxPerHour
		}
		if l.MaxPerDay != nil {
			p.Limits.MaxPerDay = *l.MaxPerDay
		}
		if l.CooldownMinutes != nil {
			p.Limits.CooldownMinutes = *l.CooldownMinutes
		}
	}
	if patch.SecurityAlerts != nil {
		p.SecurityAlerts = *patch.SecurityAlerts
	}
	if patch.DeliveryRcpts != nil {
		p.DeliveryReceipts = *patch.DeliveryRcpts
	}
	if patch.LargeText != nil {
		p.LargeText = *patch.LargeText
	}
	if patch.HighContrast != nil {
		p.HighContrast = *patch.HighContrast
	}
}

func validate(p models.Preferences) error {
	switch p.Method {
	case models.MethodSMS, models.MethodEmail, models.MethodAuto:
	default:
		return models.NewError(models.ErrCodeValidation, fmt.Sprintf("invalid method '%s'", p.Method))
	}

	seen := map[int]bool{}
	for _, f := range p.Fallback {
		switch f.Method {
		case models.MethodSMS, models.MethodEmail:
		default:
			return models.NewError(models.ErrCodeValidation,
				fmt.Sprintf("invalid fallback method '%s'", f.Method))
		}
		if f.Priority > 0 {
			if seen[f.Priority] {
				return models.NewError(models.ErrCodeValidation,
					fmt.Sprintf("duplicate fallback priority %d", f.Priority))
			}
			seen[f.Priority] = true
		}
	}

	for _, v := range []string{p.Window.Start, p.Window.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return models.NewError(models.ErrCodeValidation,
				fmt.Sprintf("invalid window time '%s', want HH:MM", v))
		}
	}

	if p.Limits.MaxPerHour < 1 || p.Limits.MaxPerDay < 1 {
		return models.NewError(models.ErrCodeValidation, "rate limits must be positive")
	}
	return nil
}

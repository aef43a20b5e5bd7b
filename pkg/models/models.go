package models

import (
	"time"
)

// Verification purposes. A purpose names the contact channel being proven.
const (
	PurposeEmail = "email"
	PurposePhone = "phone"
)

// Delivery methods.
const (
	MethodEmail = "email"
	MethodSMS   = "sms"

	// MethodAuto in preferences means "let the resolver decide".
	MethodAuto = "auto"
)

// ServiceAuto in preferences means "any service that carries the method".
const ServiceAuto = "auto"

// Delivery statuses. Transitions move forward only:
// pending -> sent -> delivered | failed | bounced.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
)

// Passcode contains the stored state of an issued OTP. The plaintext
// code is never part of this struct; only its hash is persisted.
type Passcode struct {
	UserID  string `redis:"user_id" json:"user_id"`
	Purpose string `redis:"purpose" json:"purpose"`
	Contact string `redis:"contact" json:"contact"`

	// Hash is the argon2id PHC string of the code.
	Hash string `redis:"hash" json:"-"`

	DeliveryID     string `redis:"delivery_id" json:"delivery_id"`
	DeliveryMethod string `redis:"delivery_method" json:"delivery_method"`

	MaxAttempts int  `redis:"max_attempts" json:"max_attempts"`
	Attempts    int  `redis:"attempts" json:"attempts"`
	Verified    bool `redis:"verified" json:"verified"`

	CreatedAt time.Time `redis:"-" json:"created_at"`

	TTL        time.Duration `redis:"-" json:"-"`
	TTLSeconds float64       `redis:"-" json:"ttl"`
}

// Delivery is one ledger row: a single dispatch attempt of a
// notification or OTP through a channel adapter. Rows produced while
// walking a fallback plan share a DeliveryID.
type Delivery struct {
	ID         int64  `db:"id" json:"-"`
	DeliveryID string `db:"delivery_id" json:"delivery_id"`
	UserID     string `db:"user_id" json:"user_id"`
	Type       string `db:"type" json:"type"`
	Service    string `db:"service" json:"service"`
	Channel    string `db:"channel" json:"channel"`
	Recipient  string `db:"recipient" json:"recipient"`
	Status     string `db:"status" json:"status"`

	// ExternalID is the provider's message id, when it reports one.
	ExternalID string `db:"external_id" json:"external_id,omitempty"`

	Attempts   int `db:"attempts" json:"attempts"`
	MaxRetries int `db:"max_retries" json:"max_retries"`

	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	ErrorCode    string `db:"error_code" json:"error_code,omitempty"`

	// Context carries free-form JSON stored alongside the row, including
	// the rendered payload needed to re-dispatch on retry.
	Context string `db:"context" json:"-"`

	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt    *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the row can never be dispatched again.
func (d Delivery) Terminal() bool {
	switch d.Status {
	case StatusDelivered:
		return true
	case StatusFailed, StatusBounced:
		return d.Attempts >= d.MaxRetries
	}
	return false
}

// FallbackEntry is one user-supplied fallback candidate.
type FallbackEntry struct {
	Service  string `json:"service"`
	Method   string `json:"method"`
	Priority int    `json:"priority"`
}

// DeliveryWindow is a time-of-day range during which the user accepts
// notifications, in the user's own timezone.
type DeliveryWindow struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone"`
}

// RateLimits are the per-user delivery-attempt thresholds.
type RateLimits struct {
	MaxPerHour      int `json:"max_per_hour"`
	MaxPerDay       int `json:"max_per_day"`
	CooldownMinutes int `json:"cooldown_minutes"`
}

// Preferences is a user's delivery configuration.
type Preferences struct {
	UserID        string          `db:"user_id" json:"user_id"`
	Method        string          `db:"method" json:"method"`
	Service       string          `db:"service" json:"service"`
	AllowFallback bool            `db:"allow_fallback" json:"allow_fallback"`
	Fallback      []FallbackEntry `db:"-" json:"fallback"`
	Window        DeliveryWindow  `db:"-" json:"window"`
	Limits        RateLimits      `db:"-" json:"limits"`

	// Notification toggles.
	SecurityAlerts   bool `db:"security_alerts" json:"security_alerts"`
	DeliveryReceipts bool `db:"delivery_receipts" json:"delivery_receipts"`

	// Accessibility flags. Presentation-only; they never affect routing.
	LargeText    bool `db:"large_text" json:"large_text"`
	HighContrast bool `db:"high_contrast" json:"high_contrast"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PlanStep is one candidate in a resolved delivery plan.
type PlanStep struct {
	Service  string `json:"service"`
	Method   string `json:"method"`
	Priority int    `json:"priority"`
}

// Service describes a registered channel service and the methods it
// advertises. Catalog order is the services' natural priority order.
type Service struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
}

// Has reports whether the service advertises the given method.
func (s Service) Has(method string) bool {
	for _, m := range s.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Receipt is a provider's acknowledgement of an accepted message.
type Receipt struct {
	ExternalID        string    `json:"external_id"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

// Provider is the interface for a channel adapter, for instance
// e-mail or SMS. The core treats every adapter identically.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// Channels returns the delivery methods the provider carries,
	// eg: ["sms"] or ["sms", "email"].
	Channels() []string

	// ValidateAddress validates the 'to' address for a method, for
	// instance an e-mail or a phone number.
	ValidateAddress(method, to string) error

	// Send pushes a message out. The adapter bounds its own call
	// latency; a timeout surfaces as an ordinary error.
	Send(method, to, subject string, body []byte) (Receipt, error)

	// MaxOTPLen returns the maximum allowed length of the OTP value.
	MaxOTPLen() int

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider.
	MaxBodyLen() int
}

// SecurityEvent is one row of the append-only audit stream.
type SecurityEvent struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Action    string    `db:"action" json:"action"`
	Success   bool      `db:"success" json:"success"`
	Details   string    `db:"details" json:"details,omitempty"`
	IP        string    `db:"ip" json:"ip,omitempty"`
	UserAgent string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

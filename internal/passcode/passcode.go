// Package passcode owns the OTP lifecycle: generation, hashing,
// validation, expiry and attempt limiting.
package passcode

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tradeyard/otpcourier/internal/audit"
	"github.com/tradeyard/otpcourier/internal/directory"
	"github.com/tradeyard/otpcourier/internal/store"
	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/zerodha/logf"
)

const codeLen = 6

// Conf contains passcode engine settings.
type Conf struct {
	TTL          time.Duration `json:"ttl"`
	MaxAttempts  int           `json:"max_attempts"`
	CreateLimit  int           `json:"create_limit"`
	CreateWindow time.Duration `json:"create_window"`
}

// Engine generates, stores and validates one-time codes.
type Engine struct {
	cfg   Conf
	store store.Store
	dir   directory.Directory
	audit *audit.Dispatcher
	lo    logf.Logger
}

// Issued is what a successful Create returns. Code is the plaintext
// handed to the caller exactly once for transmission.
type Issued struct {
	Code       string
	DeliveryID string
	ExpiresAt  time.Time
}

// New returns a passcode Engine.
func New(cfg Conf, st store.Store, dir directory.Directory, disp *audit.Dispatcher, lo logf.Logger) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CreateLimit <= 0 {
		cfg.CreateLimit = 3
	}
	if cfg.CreateWindow <= 0 {
		cfg.CreateWindow = 15 * time.Minute
	}

	return &Engine{
		cfg:   cfg,
		store: st,
		dir:   dir,
		audit: disp,
		lo:    lo,
	}
}

// Create issues a fresh passcode for a (user, purpose, contact) tuple,
// replacing any prior unverified one. Creation is throttled per
// (user, purpose) inside a trailing window.
func (e *Engine) Create(ctx context.Context, userID, purpose, contact string) (Issued, error) {
	count, err := e.store.Counter(fmt.Sprintf("create:%s:%s", userID, purpose), e.cfg.CreateWindow)
	if err != nil {
		return Issued{}, err
	}
	if count > int64(e.cfg.CreateLimit) {
		e.emit(ctx, userID, audit.ActionOTPCreate, false, map[string]interface{}{
			"purpose": purpose, "reason": "rate_limited",
		})
		return Issued{}, models.NewError(models.ErrCodeRateLimited,
			fmt.Sprintf("too many codes requested; retry after %s", e.cfg.CreateWindow))
	}

	code, err := generateCode()
	if err != nil {
		return Issued{}, err
	}
	hash, err := hashCode(code)
	if err != nil {
		return Issued{}, err
	}

	pc := models.Passcode{
		Hash:        hash,
		DeliveryID:  uuid.NewString(),
		MaxAttempts: e.cfg.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
		TTL:         e.cfg.TTL,
	}

	// A single keyed write replaces (and thereby consumes) any prior
	// unverified passcode for the tuple.
	if _, err := e.store.Put(userID, purpose, contact, pc); err != nil {
		return Issued{}, err
	}

	e.emit(ctx, userID, audit.ActionOTPCreate, true, map[string]interface{}{
		"purpose": purpose, "delivery_id": pc.DeliveryID,
	})

	return Issued{
		Code:       code,
		DeliveryID: pc.DeliveryID,
		ExpiresAt:  pc.CreatedAt.Add(e.cfg.TTL),
	}, nil
}

// Validate checks a candidate code against the active passcode for the
// tuple. A correct code within the attempt budget consumes the record
// and flips the user's verification flag; every other outcome is a
// coded failure.
func (e *Engine) Validate(ctx context.Context, userID, purpose, contact, candidate string) error {
	pc, err := e.store.Get(userID, purpose, contact)
	if err == store.ErrNotExist {
		e.emit(ctx, userID, audit.ActionOTPVerify, false, map[string]interface{}{
			"purpose": purpose, "reason": "missing_or_expired",
		})
		return models.NewError(models.ErrCodeInvalidExpired, "no active code; request a new one")
	}
	if err != nil {
		return err
	}

	if pc.Verified {
		e.emit(ctx, userID, audit.ActionOTPVerify, false, map[string]interface{}{
			"purpose": purpose, "reason": "already_consumed",
		})
		return models.NewError(models.ErrCodeInvalidExpired, "no active code; request a new one")
	}

	if pc.Attempts >= pc.MaxAttempts {
		// Force-consume the record so it can never validate.
		if err := e.store.Consume(userID, purpose, contact); err != nil {
			e.lo.Error("error consuming exhausted passcode", "error", err)
		}
		e.emit(ctx, userID, audit.ActionOTPVerify, false, map[string]interface{}{
			"purpose": purpose, "reason": "too_many_attempts",
		})
		return models.NewError(models.ErrCodeTooManyAttempts, "attempt limit reached; request a new code")
	}

	attempts, err := e.store.IncrAttempts(userID, purpose, contact)
	if err != nil {
		return err
	}

	ok, err := verifyCode(candidate, pc.Hash)
	if err != nil {
		return err
	}
	if !ok {
		remaining := pc.MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		e.emit(ctx, userID, audit.ActionOTPVerify, false, map[string]interface{}{
			"purpose": purpose, "reason": "incorrect_code", "attempts_remaining": remaining,
		})
		return models.NewErrorData(models.ErrCodeInvalidCode, "incorrect code",
			map[string]int{"attempts_remaining": remaining})
	}

	if err := e.store.Consume(userID, purpose, contact); err != nil {
		return err
	}
	if err := e.dir.SetVerified(ctx, userID, purpose, time.Now().UTC()); err != nil {
		// The code itself validated; a directory write failure is logged
		// and surfaced so the caller can reconcile.
		e.lo.Error("error setting verification flag", "error", err, "user", userID)
		return err
	}

	e.emit(ctx, userID, audit.ActionOTPVerify, true, map[string]interface{}{
		"purpose": purpose,
	})
	return nil
}

// SweepExpired exists for API symmetry with durable backends. Redis
// keys carry their own TTL, so retention needs no sweep here.
func (e *Engine) SweepExpired(ctx context.Context) error {
	return nil
}

func (e *Engine) emit(ctx context.Context, userID, action string, success bool, details map[string]interface{}) {
	m := audit.MetaFrom(ctx)
	e.audit.Record(audit.Event{
		UserID:    userID,
		Action:    action,
		Success:   success,
		Details:   details,
		IP:        m.IP,
		UserAgent: m.UserAgent,
		At:        time.Now().UTC(),
	})
}

// generateCode draws a uniformly distributed 6 digit code from
// crypto/rand using rejection sampling over the 32-bit range.
func generateCode() (string, error) {
	const space = 1000000
	// Largest multiple of the code space that fits in 32 bits; values
	// at or above it would bias the modulo.
	const limit = (1 << 32) / space * space

	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return "", err
		}
		v := binary.BigEndian.Uint32(b[:])
		if v < limit {
			return fmt.Sprintf("%06d", v%space), nil
		}
	}
}

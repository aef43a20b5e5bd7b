package store

import (
	"errors"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
)

// ErrNotExist is thrown when a passcode (requested by user / purpose /
// contact) does not exist or has expired out of the store.
var ErrNotExist = errors.New("the passcode does not exist")

// Store represents a storage backend where active passcodes and
// throttle counters are kept.
type Store interface {
	// Put writes a passcode against its (user, purpose, contact) tuple,
	// replacing any prior record for the tuple in a single atomic write.
	// The record expires out of the store after pc.TTL.
	Put(userID, purpose, contact string, pc models.Passcode) (models.Passcode, error)

	// Get retrieves the passcode for a tuple without touching its
	// attempt counter.
	Get(userID, purpose, contact string) (models.Passcode, error)

	// IncrAttempts atomically increments the attempt counter for a
	// tuple and returns the new count.
	IncrAttempts(userID, purpose, contact string) (int, error)

	// Consume marks the passcode verified. A consumed record can never
	// validate again; it expires out of the store by TTL.
	Consume(userID, purpose, contact string) error

	// Delete removes the passcode for a tuple.
	Delete(userID, purpose, contact string) error

	// Counter atomically increments a TTL'd counter and returns the new
	// count. The window starts with the first increment. Used for
	// passcode-creation rate limits and request throttling so counts
	// hold across process instances.
	Counter(key string, window time.Duration) (int64, error)

	// Ping checks if the store is reachable.
	Ping() error
}

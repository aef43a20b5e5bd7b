package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tradeyard/otpcourier/internal/store"
	"github.com/tradeyard/otpcourier/pkg/models"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

var ctx = context.Background()

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping() error {
	return r.client.Ping(ctx).Err()
}

// Put writes a passcode against its tuple key, replacing any prior
// record in one transaction. Replacement is what invalidates an earlier
// unverified passcode for the same tuple.
func (r *Redis) Put(userID, purpose, contact string, pc models.Passcode) (models.Passcode, error) {
	key := r.makeKey(userID, purpose, contact)

	txf := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key,
				"user_id", userID,
				"purpose", purpose,
				"contact", contact,
				"hash", pc.Hash,
				"delivery_id", pc.DeliveryID,
				"delivery_method", pc.DeliveryMethod,
				"max_attempts", pc.MaxAttempts,
				"attempts", 0,
				"verified", false,
				"created_at", pc.CreatedAt.Format(time.RFC3339Nano))
			pipe.PExpire(ctx, key, pc.TTL)
			return nil
		})
		return err
	}

	// Watch the key so a concurrent create for the same tuple aborts
	// this transaction instead of interleaving with it.
	if err := r.client.Watch(ctx, txf, key); err != nil {
		return pc, err
	}

	pc.UserID = userID
	pc.Purpose = purpose
	pc.Contact = contact
	pc.Attempts = 0
	pc.Verified = false
	pc.TTLSeconds = pc.TTL.Seconds()
	return pc, nil
}

// Get retrieves the passcode for a tuple.
func (r *Redis) Get(userID, purpose, contact string) (models.Passcode, error) {
	key := r.makeKey(userID, purpose, contact)
	out := models.Passcode{
		UserID:  userID,
		Purpose: purpose,
		Contact: contact,
	}

	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return out, err
	}

	// Doesn't exist?
	if res["hash"] == "" {
		return out, store.ErrNotExist
	}
	if err := r.client.HGetAll(ctx, key).Scan(&out); err != nil {
		return out, err
	}
	if t, err := time.Parse(time.RFC3339Nano, res["created_at"]); err == nil {
		out.CreatedAt = t
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return out, err
	}
	out.TTL = ttl
	out.TTLSeconds = ttl.Seconds()
	return out, nil
}

// IncrAttempts atomically increments the attempt counter for a tuple.
func (r *Redis) IncrAttempts(userID, purpose, contact string) (int, error) {
	n, err := r.client.HIncrBy(ctx, r.makeKey(userID, purpose, contact), "attempts", 1).Result()
	return int(n), err
}

// Consume marks the passcode verified.
func (r *Redis) Consume(userID, purpose, contact string) error {
	return r.client.HSet(ctx, r.makeKey(userID, purpose, contact), "verified", true).Err()
}

// Delete removes the passcode for a tuple.
func (r *Redis) Delete(userID, purpose, contact string) error {
	return r.client.Del(ctx, r.makeKey(userID, purpose, contact)).Err()
}

// Counter increments a TTL'd counter, starting the window on first
// increment.
func (r *Redis) Counter(key string, window time.Duration) (int64, error) {
	k := fmt.Sprintf("%s:ctr:%s", r.conf.KeyPrefix, key)

	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// makeKey makes the Redis key for a passcode tuple.
func (r *Redis) makeKey(userID, purpose, contact string) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.conf.KeyPrefix, userID, purpose, contact)
}

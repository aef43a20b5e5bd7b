package redis

import (
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/internal/store"
	"github.com/tradeyard/otpcourier/pkg/models"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis

	mockPC = models.Passcode{
		UserID:         "user1",
		Purpose:        models.PurposeEmail,
		Contact:        "user1@example.com",
		Hash:           "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		DeliveryID:     "d-123",
		DeliveryMethod: models.MethodEmail,
		MaxAttempts:    5,
		CreatedAt:      time.Now().UTC(),
		TTL:            2 * time.Second,
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	_, err := rStore.Put(mockPC.UserID, mockPC.Purpose, mockPC.Contact, mockPC)
	require.NoError(t, err, "Failed to set up test passcode")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStorePut(t *testing.T) {
	rStore := setup(t)

	resp, err := rStore.Put(mockPC.UserID, mockPC.Purpose, mockPC.Contact, mockPC)
	assert.NoError(t, err, "Error putting passcode")
	assert.Equal(t, 0, resp.Attempts, "fresh passcode should have zero attempts")
	assert.False(t, resp.Verified, "fresh passcode should be unverified")
}

func TestStorePutReplaces(t *testing.T) {
	rStore := setup(t)

	// Burn some attempts and consume the record, then overwrite it.
	_, err := rStore.IncrAttempts(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	require.NoError(t, err)
	require.NoError(t, rStore.Consume(mockPC.UserID, mockPC.Purpose, mockPC.Contact))

	_, err = rStore.Put(mockPC.UserID, mockPC.Purpose, mockPC.Contact, mockPC)
	require.NoError(t, err)

	out, err := rStore.Get(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err)
	assert.Equal(t, 0, out.Attempts, "replacement should reset attempts")
	assert.False(t, out.Verified, "replacement should reset verified")
}

func TestStoreGet(t *testing.T) {
	rStore := setup(t)

	out, err := rStore.Get(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err, "Error getting passcode")
	assert.Equal(t, mockPC.Hash, out.Hash, "hash doesn't match")
	assert.Equal(t, mockPC.DeliveryID, out.DeliveryID, "delivery id doesn't match")
	assert.Equal(t, mockPC.TTL, out.TTL, "TTL doesn't match")

	_, err = rStore.Get("nouser", mockPC.Purpose, mockPC.Contact)
	assert.Equal(t, store.ErrNotExist, err, "missing passcode should return ErrNotExist")
}

func TestStoreIncrAttempts(t *testing.T) {
	rStore := setup(t)

	n, err := rStore.IncrAttempts(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err)
	assert.Equal(t, 1, n, "unexpected attempt count")

	n, err = rStore.IncrAttempts(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err)
	assert.Equal(t, 2, n, "unexpected attempt count after second increment")
}

func TestStoreConsume(t *testing.T) {
	rStore := setup(t)

	err := rStore.Consume(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err, "Error consuming passcode")

	out, err := rStore.Get(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err, "Error getting consumed passcode")
	assert.True(t, out.Verified, "passcode should be verified but isn't")
}

func TestStoreDelete(t *testing.T) {
	rStore := setup(t)

	err := rStore.Delete(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.NoError(t, err, "Error deleting passcode")

	_, err = rStore.Get(mockPC.UserID, mockPC.Purpose, mockPC.Contact)
	assert.Equal(t, store.ErrNotExist, err, "passcode should not exist but does")
}

func TestStoreCounter(t *testing.T) {
	rStore := setup(t)

	for i := 1; i <= 3; i++ {
		n, err := rStore.Counter("rl:user1:email", time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, int64(i), n, "unexpected counter value")
	}

	// A fresh window starts after the TTL elapses.
	rdis.FastForward(2 * time.Minute)
	n, err := rStore.Counter("rl:user1:email", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter should reset after window")
}

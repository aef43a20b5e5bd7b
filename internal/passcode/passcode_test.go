package passcode

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/otpcourier/internal/audit"
	rstore "github.com/tradeyard/otpcourier/internal/store/redis"
	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/zerodha/logf"
)

const (
	testUser    = "user1"
	testContact = "user1@example.com"
)

var (
	rdis   *miniredis.Miniredis
	pStore *rstore.Redis
)

// fakeDir records verification flag writes.
type fakeDir struct {
	verified map[string]time.Time
}

func (d *fakeDir) Contact(ctx context.Context, userID, purpose string) (string, error) {
	return testContact, nil
}

func (d *fakeDir) SetVerified(ctx context.Context, userID, purpose string, at time.Time) error {
	if d.verified == nil {
		d.verified = map[string]time.Time{}
	}
	d.verified[userID+":"+purpose] = at
	return nil
}

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	pStore = rstore.New(rstore.Conf{Host: rd.Host(), Port: port})
}

func newEngine(t *testing.T) (*Engine, *fakeDir) {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	dir := &fakeDir{}
	disp := audit.NewDispatcher(16)
	t.Cleanup(disp.Close)

	lo := logf.New(logf.Opts{})
	return New(Conf{}, pStore, dir, disp, lo), dir
}

func TestGenerateCodeShape(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.True(t, re.MatchString(code), "code %q is not 6 digits", code)
		seen[code] = true
	}
	// With a uniform draw over 10^6 values, 1000 samples collide rarely.
	assert.Greater(t, len(seen), 990, "codes cluster too much to be uniform")
}

func TestHashRoundTrip(t *testing.T) {
	h, err := hashCode("123456")
	require.NoError(t, err)

	ok, err := verifyCode("123456", h)
	require.NoError(t, err)
	assert.True(t, ok, "correct code should verify")

	ok, err = verifyCode("123457", h)
	require.NoError(t, err)
	assert.False(t, ok, "wrong code should not verify")

	h2, err := hashCode("123456")
	require.NoError(t, err)
	assert.NotEqual(t, h, h2, "salting should make hashes differ")
}

func TestCreateAndValidate(t *testing.T) {
	e, dir := newEngine(t)
	ctx := context.Background()

	issued, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	require.NoError(t, err)
	assert.Len(t, issued.Code, 6)
	assert.NotEmpty(t, issued.DeliveryID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), issued.ExpiresAt, time.Minute)

	// Correct code validates exactly once.
	require.NoError(t, e.Validate(ctx, testUser, models.PurposeEmail, testContact, issued.Code))
	assert.Contains(t, dir.verified, testUser+":"+models.PurposeEmail, "verification flag not set")

	err = e.Validate(ctx, testUser, models.PurposeEmail, testContact, issued.Code)
	var cerr *models.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeInvalidExpired, cerr.Code, "consumed code should be invalid")
}

func TestValidateWrongCode(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	issued, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	require.NoError(t, err)

	wrong := "000000"
	if wrong == issued.Code {
		wrong = "000001"
	}

	err = e.Validate(ctx, testUser, models.PurposeEmail, testContact, wrong)
	var cerr *models.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeInvalidCode, cerr.Code)
	assert.Equal(t, map[string]int{"attempts_remaining": 4}, cerr.Data)
}

func TestValidateAttemptLimit(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	issued, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	require.NoError(t, err)

	wrong := "000000"
	if wrong == issued.Code {
		wrong = "000001"
	}

	for i := 0; i < 5; i++ {
		err := e.Validate(ctx, testUser, models.PurposeEmail, testContact, wrong)
		var cerr *models.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, models.ErrCodeInvalidCode, cerr.Code)
	}

	// The sixth attempt fails even with the correct code.
	err = e.Validate(ctx, testUser, models.PurposeEmail, testContact, issued.Code)
	var cerr *models.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeTooManyAttempts, cerr.Code)

	// And the record is now consumed outright.
	err = e.Validate(ctx, testUser, models.PurposeEmail, testContact, issued.Code)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeInvalidExpired, cerr.Code)
}

func TestCreateRateLimit(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
		require.NoError(t, err, "creation %d should pass", i+1)
	}

	_, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	var cerr *models.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeRateLimited, cerr.Code)

	// A different purpose is counted separately.
	_, err = e.Create(ctx, testUser, models.PurposePhone, "+15550100")
	assert.NoError(t, err)

	// After the window elapses creation works again.
	rdis.FastForward(16 * time.Minute)
	_, err = e.Create(ctx, testUser, models.PurposeEmail, testContact)
	assert.NoError(t, err)
}

func TestCreateInvalidatesPrior(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	require.NoError(t, err)
	second, err := e.Create(ctx, testUser, models.PurposeEmail, testContact)
	require.NoError(t, err)

	// The first code no longer validates; the second does.
	if first.Code != second.Code {
		err = e.Validate(ctx, testUser, models.PurposeEmail, testContact, first.Code)
		var cerr *models.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, models.ErrCodeInvalidCode, cerr.Code)
	}
	assert.NoError(t, e.Validate(ctx, testUser, models.PurposeEmail, testContact, second.Code))
}

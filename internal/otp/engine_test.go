package otp

import (
	"bytes"
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	identityrepo "github.com/ovaphlow/pitchfork/service-identity/internal/identity/repo"
	otprepo "github.com/ovaphlow/pitchfork/service-identity/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database/dbtest"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *sqlx.DB
	engine *Engine
	clock  *clockwork.FakeClock
	users  *identityrepo.IdentityRepo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	users := identityrepo.NewIdentityRepo(db)
	require.NoError(t, users.EnsureTable(ctx))
	codes := otprepo.NewCodeRepo(db)
	require.NoError(t, codes.EnsureTable(ctx))
	clk := clockwork.NewFakeClockAt(testStart)
	cfg := Config{ValidFor: 10 * time.Minute, Advertised: 5 * time.Minute}
	return fixture{db: db, engine: NewEngine(codes, cfg, clk, nil), clock: clk, users: users}
}

func (f fixture) user(t *testing.T, email string) int64 {
	t.Helper()
	u, err := f.users.Create(context.Background(), email, email, "")
	require.NoError(t, err)
	return u.ID
}

func (f fixture) countCodes(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM otp_codes`))
	return n
}

func TestIssueProducesSixDigitCode(t *testing.T) {
	f := newFixture(t)
	id := f.user(t, "bob@example.com")

	issued, err := f.engine.Issue(context.Background(), Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), issued.Code)
	assert.Equal(t, testStart.Add(10*time.Minute), issued.ExpiresAt)
	assert.Equal(t, 5*time.Minute, issued.ExpiresIn, "advertised validity stays distinct from the enforced one")
}

func TestIssueKeepsLeadingZeros(t *testing.T) {
	f := newFixture(t)
	f.engine.rand = bytes.NewReader(make([]byte, 64))

	issued, err := f.engine.Issue(context.Background(), Recipient{Email: "zero@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "000000", issued.Code)
}

func TestVerifyConsumesCodeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.user(t, "bob@example.com")
	issued, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Verify(ctx, "bob@example.com", issued.Code))
	assert.ErrorIs(t, f.engine.Verify(ctx, "bob@example.com", issued.Code), ErrInvalidCode)
}

func TestVerifyRejectsUnknownCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.user(t, "bob@example.com")
	issued, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)

	wrong := "123456"
	if issued.Code == wrong {
		wrong = "654321"
	}
	assert.ErrorIs(t, f.engine.Verify(ctx, "bob@example.com", wrong), ErrInvalidCode)
	assert.ErrorIs(t, f.engine.Verify(ctx, "eve@example.com", issued.Code), ErrInvalidCode)
	// the right code is still usable after wrong guesses
	require.NoError(t, f.engine.Verify(ctx, "bob@example.com", issued.Code))
}

func TestVerifyExpiredCodeIsConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.user(t, "bob@example.com")
	issued, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute + time.Millisecond)
	assert.ErrorIs(t, f.engine.Verify(ctx, "bob@example.com", issued.Code), ErrExpiredCode)
	assert.ErrorIs(t, f.engine.Verify(ctx, "bob@example.com", issued.Code), ErrInvalidCode)
}

func TestVerifyAtExactExpiryAccepts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.engine.Issue(ctx, Recipient{Email: "edge@example.com"})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.engine.Verify(ctx, "edge@example.com", issued.Code))
}

func TestMultipleCodesCoexist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.user(t, "bob@example.com")
	seq := []byte{0, 0, 1, 0, 0, 2}
	f.engine.rand = bytes.NewReader(seq)
	first, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)
	second, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, first.Code, second.Code)

	require.NoError(t, f.engine.Verify(ctx, "bob@example.com", first.Code))
	require.NoError(t, f.engine.Verify(ctx, "bob@example.com", second.Code))
}

func TestVerifyPrefersLiveCodeOverExpiredTwin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.user(t, "bob@example.com")
	// both draws produce the same digits
	f.engine.rand = bytes.NewReader([]byte{0, 0, 7, 0, 0, 7})
	older, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	newer, err := f.engine.Issue(ctx, Recipient{IdentityID: id, Email: "bob@example.com"})
	require.NoError(t, err)
	require.Equal(t, older.Code, newer.Code)

	// older is now past its window, newer is not
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.engine.Verify(ctx, "bob@example.com", newer.Code))
}

func TestIssueSweepsExpiredCodesGlobally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Issue(ctx, Recipient{Email: "one@example.com"})
	require.NoError(t, err)
	_, err = f.engine.Issue(ctx, Recipient{Email: "two@example.com"})
	require.NoError(t, err)
	require.Equal(t, 2, f.countCodes(t))

	f.clock.Advance(11 * time.Minute)
	_, err = f.engine.Issue(ctx, Recipient{Email: "three@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.countCodes(t), "codes of other recipients are swept too")
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.engine.Issue(ctx, Recipient{Email: "race@example.com"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.engine.Verify(ctx, "race@example.com", issued.Code)
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	assert.Equal(t, 1, ok)
}

func TestBindIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Issue(ctx, Recipient{Email: "new@example.com"})
	require.NoError(t, err)
	id := f.user(t, "new@example.com")

	require.NoError(t, f.engine.BindIdentity(ctx, "new@example.com", id))
	var bound int
	require.NoError(t, f.db.Get(&bound, f.db.Rebind(`SELECT COUNT(*) FROM otp_codes WHERE identity_id = ?`), id))
	assert.Equal(t, 1, bound)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OTP_VALID_FOR", "15m")
	t.Setenv("OTP_ALLOW_SIGNUP", "true")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.ValidFor)
	assert.Equal(t, 5*time.Minute, cfg.Advertised)
	assert.True(t, cfg.AllowSignup)
}

func TestLoadConfigFromEnvRejectsMalformedDuration(t *testing.T) {
	t.Setenv("OTP_VALID_FOR", "ten minutes")
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
}

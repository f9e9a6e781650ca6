package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/apierr"
)

func TestAuthenticateConnect_TokenMode(t *testing.T) {
	a := New(ModeToken, "s3cret", "")
	assert.Nil(t, a.AuthenticateConnect("s3cret", "", "1.2.3.4"))
	assert.NotNil(t, a.AuthenticateConnect("wrong", "", "1.2.3.4"))
	assert.NotNil(t, a.AuthenticateConnect("", "", "1.2.3.4"))
}

func TestAuthenticateConnect_PasswordMode(t *testing.T) {
	a := New(ModePassword, "", "hunter2")
	assert.Nil(t, a.AuthenticateConnect("", "hunter2", "1.2.3.4"))
	assert.NotNil(t, a.AuthenticateConnect("", "wrong", "1.2.3.4"))
}

func TestAuthenticateConnect_NoneMode(t *testing.T) {
	a := New(ModeNone, "", "")
	assert.Nil(t, a.AuthenticateConnect("", "", "1.2.3.4"))
}

func TestAuthenticateHTTP_RejectsQueryToken(t *testing.T) {
	a := New(ModeToken, "s3cret", "")
	req := httptest.NewRequest(http.MethodGet, "/info?token=s3cret", nil)
	assert.NotNil(t, a.AuthenticateHTTP(req))
}

func TestAuthenticateHTTP_AcceptsBearer(t *testing.T) {
	a := New(ModeToken, "s3cret", "")
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Nil(t, a.AuthenticateHTTP(req))
}

func TestRateLimiter_LocksOutAfterRepeatedFailures(t *testing.T) {
	rl := NewRateLimiter(100, 100, 3, time.Minute)
	key := "1.2.3.4"
	assert.False(t, rl.Locked(key))

	rl.RecordAuthFailure(key)
	rl.RecordAuthFailure(key)
	assert.False(t, rl.Locked(key))
	rl.RecordAuthFailure(key)
	assert.True(t, rl.Locked(key))

	rl.RecordAuthSuccess(key)
	assert.False(t, rl.Locked(key))
}

func TestRateLimiter_AllowRespectsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, 100, time.Minute)
	key := "5.6.7.8"
	assert.True(t, rl.Allow(key))
	assert.True(t, rl.Allow(key))
	assert.False(t, rl.Allow(key), "burst of 2 should be exhausted on the third immediate call")
}

func TestAuthenticateHTTP_ExceedingRateLimitReturns429(t *testing.T) {
	a := New(ModeToken, "s3cret", "").WithRateLimiter(NewRateLimiter(1, 1, 100, time.Minute))
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	req.Header.Set("Authorization", "Bearer s3cret")

	assert.Nil(t, a.AuthenticateHTTP(req))
	err := a.AuthenticateHTTP(req)
	require.NotNil(t, err)
	assert.Equal(t, apierr.RateLimited, err.Code)
	assert.Equal(t, 429, err.Code.HTTPStatus())
}

func TestAuthenticateHTTP_LocksOutAfterRepeatedFailures(t *testing.T) {
	a := New(ModeToken, "s3cret", "").WithRateLimiter(NewRateLimiter(100, 100, 2, time.Minute))
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.RemoteAddr = "9.9.9.8:1234"
	req.Header.Set("Authorization", "Bearer wrong")

	assert.NotNil(t, a.AuthenticateHTTP(req))
	assert.NotNil(t, a.AuthenticateHTTP(req))

	req.Header.Set("Authorization", "Bearer s3cret")
	err := a.AuthenticateHTTP(req)
	require.NotNil(t, err)
	assert.Equal(t, apierr.RateLimited, err.Code, "locked-out key rejects even correct credentials")
}

func TestAuthenticateConnect_ExceedingRateLimitReturnsUnavailable(t *testing.T) {
	a := New(ModeToken, "s3cret", "").WithRateLimiter(NewRateLimiter(1, 1, 100, time.Minute))
	assert.Nil(t, a.AuthenticateConnect("s3cret", "", "4.3.2.1"))
	err := a.AuthenticateConnect("s3cret", "", "4.3.2.1")
	require.NotNil(t, err)
	assert.Equal(t, apierr.Unavailable, err.Code)
}

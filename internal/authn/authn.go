// Package authn implements gateway authentication (token, password, or
// none) and per-remote sliding-window rate limiting (spec §4.2).
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/reclaw/reclaw-core/internal/apierr"
)

// Mode selects how credentials presented on connect/Authorization are checked.
type Mode string

const (
	ModeToken    Mode = "token"
	ModePassword Mode = "password"
	ModeNone     Mode = "none"
)

// Authenticator validates credentials for one configured Mode. Query
// parameter auth is never accepted by any caller of this type — callers
// only ever read from the connect frame or the Authorization header,
// never the URL (spec §4.2).
type Authenticator struct {
	mode         Mode
	tokenHash    [32]byte
	passwordHash [32]byte
	hasToken     bool
	hasPassword  bool

	limiter *RateLimiter
}

// New builds an Authenticator. Whether ModeNone is permitted for the
// configured bind address ("none: permitted only on loopback binds",
// spec §4.2) is a server-wiring concern decided by the caller before
// reaching here, not by this type.
func New(mode Mode, token, password string) *Authenticator {
	a := &Authenticator{mode: mode}
	if token != "" {
		a.tokenHash = sha256.Sum256([]byte(token))
		a.hasToken = true
	}
	if password != "" {
		a.passwordHash = sha256.Sum256([]byte(password))
		a.hasPassword = true
	}
	return a
}

// WithRateLimiter attaches rl, enabling per-remote rate limiting and
// auth-failure lockout on both AuthenticateConnect and AuthenticateHTTP.
// Returns a for chaining. A nil/unset limiter (the zero value of this
// type before WithRateLimiter is called) disables limiting entirely,
// which every existing unit test relies on.
func (a *Authenticator) WithRateLimiter(rl *RateLimiter) *Authenticator {
	a.limiter = rl
	return a
}

// Mode reports the configured auth mode.
func (a *Authenticator) Mode() Mode { return a.mode }

// CheckToken constant-time-compares a presented token against the
// configured one. Hashing first means the comparison itself only ever
// operates on fixed-size digests, regardless of input length.
func (a *Authenticator) CheckToken(presented string) bool {
	if !a.hasToken {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(sum[:], a.tokenHash[:]) == 1
}

// CheckPassword constant-time-compares a presented password.
func (a *Authenticator) CheckPassword(presented string) bool {
	if !a.hasPassword {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(sum[:], a.passwordHash[:]) == 1
}

// AuthenticateConnect validates the credentials carried in a connect
// frame (token or password, per the configured Mode), rate-limited per
// remoteAddr when a RateLimiter is attached. It never looks at query
// parameters. Failure — whether from bad credentials or an exceeded
// limit — is always the uniform UNAVAILABLE code on this transport
// (spec §4.2 "on WebSocket, a single UNAVAILABLE response followed by
// close"; spec §4.4 "uniform code prevents probing").
func (a *Authenticator) AuthenticateConnect(token, password, remoteAddr string) *apierr.Error {
	if a.mode == ModeNone {
		return nil
	}
	if a.limiter != nil && !a.limiter.Allow(remoteAddr) {
		return apierr.Unavail("authentication failed")
	}
	ok := false
	switch a.mode {
	case ModeToken:
		ok = a.CheckToken(token)
	case ModePassword:
		ok = a.CheckPassword(password)
	}
	if a.limiter != nil {
		if ok {
			a.limiter.RecordAuthSuccess(remoteAddr)
		} else {
			a.limiter.RecordAuthFailure(remoteAddr)
		}
	}
	if ok {
		return nil
	}
	return apierr.Unavail("authentication failed")
}

// AuthenticateHTTP validates the Authorization: Bearer header of an HTTP
// request, rate-limited per r.RemoteAddr when a RateLimiter is attached.
// Query-string tokens are always rejected regardless of mode. An
// exceeded limit surfaces distinctly as HTTP 429 rather than the 401
// auth-failure code (spec §4.2 "Exceeded limits return HTTP 429").
func (a *Authenticator) AuthenticateHTTP(r *http.Request) *apierr.Error {
	if r.URL.Query().Get("token") != "" || r.URL.Query().Get("access_token") != "" {
		return apierr.Unavail("query-parameter authentication is not accepted")
	}
	if a.mode == ModeNone {
		return nil
	}
	if a.limiter != nil && !a.limiter.Allow(r.RemoteAddr) {
		return apierr.RateLimitErr("rate limit exceeded")
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	presented := strings.TrimPrefix(header, prefix)
	ok := strings.HasPrefix(header, prefix) && func() bool {
		switch a.mode {
		case ModeToken:
			return a.CheckToken(presented)
		case ModePassword:
			return a.CheckPassword(presented)
		}
		return false
	}()

	if a.limiter != nil {
		if ok {
			a.limiter.RecordAuthSuccess(r.RemoteAddr)
		} else {
			a.limiter.RecordAuthFailure(r.RemoteAddr)
		}
	}
	if ok {
		return nil
	}
	return apierr.Unavail("authentication failed")
}

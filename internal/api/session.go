package api

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const (
	sessionIssuer  = "ab-resolver"
	sessionSubject = "admin"
	// SessionCookie carries the signed admin session.
	SessionCookie = "abr_session"
)

var (
	// ErrAdminDisabled is returned when no admin secret is configured.
	ErrAdminDisabled = eris.New("admin access is disabled")
	// ErrUnauthorized is returned for a bad secret or session token.
	ErrUnauthorized = eris.New("unauthorized")
)

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 admin session tokens signed with the
// shared admin secret.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a session manager. An empty secret disables admin access.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether an admin secret is configured.
func (s *Sessions) Enabled() bool { return len(s.secret) > 0 }

// CheckSecret compares candidate with the admin secret in constant time.
func (s *Sessions) CheckSecret(candidate string) error {
	if !s.Enabled() {
		return ErrAdminDisabled
	}
	if subtle.ConstantTimeCompare([]byte(candidate), s.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Issue returns a signed session token and its expiry.
func (s *Sessions) Issue() (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrAdminDisabled
	}
	now := s.now()
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   sessionSubject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, eris.Wrap(err, "session: sign")
	}
	return signed, exp, nil
}

// Verify checks a session token's signature, issuer, subject and expiry.
func (s *Sessions) Verify(token string) error {
	if !s.Enabled() {
		return ErrAdminDisabled
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithSubject(sessionSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return eris.Wrap(ErrUnauthorized, err.Error())
	}
	return nil
}

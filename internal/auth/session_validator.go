package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AccessTokenQueryParameter carries the token for clients that cannot set headers, such as EventSource.
	AccessTokenQueryParameter = "access_token"
	defaultCookieName         = "cybotrack_session"
	bearerScheme              = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionValidatorConfig describes how to validate session tokens. Empty issuer and audience
// default to the values stamped by TokenIssuer.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 tokens produced by TokenIssuer.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithTimeFunc(clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(orDefault(cfg.Issuer, DefaultIssuer)),
		jwt.WithAudience(orDefault(cfg.Audience, DefaultAudience)),
		jwt.WithExpirationRequired(),
	)
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    orDefault(cfg.CookieName, defaultCookieName),
		parser:        parser,
	}, nil
}

// CookieName returns the cookie name consulted by ValidateRequest.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied token string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	token, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case token == nil || !token.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	case strings.TrimSpace(claims.Subject) == "":
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest looks for a token in the Authorization header, then the access_token query
// parameter, then the session cookie. A non-bearer Authorization header is rejected outright.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, err := v.tokenFromRequest(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(token)
}

func (v *SessionValidator) tokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, credentials, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, bearerScheme) || strings.TrimSpace(credentials) == "" {
			return "", ErrInvalidSessionToken
		}
		return credentials, nil
	}
	if token := r.URL.Query().Get(AccessTokenQueryParameter); strings.TrimSpace(token) != "" {
		return token, nil
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", ErrMissingSessionToken
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.signingSecret, nil
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

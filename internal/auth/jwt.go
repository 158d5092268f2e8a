// Package auth signs and verifies the HS256 tokens clients present when they
// open a connection or call the REST actions.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-realtime/internal/models"
)

var (
	ErrAuthDisabled = errors.New("auth: no secret configured")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMismatch     = errors.New("auth: token does not match identity")
)

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is who a verified token speaks for.
type Identity struct {
	Role   models.Role
	UserID string
}

type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Enabled reports whether tokens are checked at all.
func (s *JWTService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue signs a token for role/userID.
func (s *JWTService) Issue(id Identity) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(id.UserID) == "" || !id.Role.Valid() {
		return "", errors.New("auth: role and user id required")
	}
	now := s.now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses token and returns the identity it carries.
func (s *JWTService) Verify(token string) (Identity, error) {
	if !s.Enabled() {
		return Identity{}, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" || !claims.Role.Valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Role: claims.Role, UserID: claims.Subject}, nil
}

// Check verifies token and requires it to speak for want. With auth
// disabled every identity is accepted as claimed.
func (s *JWTService) Check(token string, want Identity) error {
	if !s.Enabled() {
		return nil
	}
	got, err := s.Verify(token)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: token is %s/%s", ErrMismatch, got.Role, got.UserID)
	}
	return nil
}

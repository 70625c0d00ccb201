package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultSessionTTL = 30 * time.Minute
	issuer            = "civic-kiosk"
)

// SessionClaims are the claims of a kiosk session token
type SessionClaims struct {
	SessionID uuid.UUID `json:"sid"`
	jwt.RegisteredClaims
}

// Session returns the session the claims describe
func (c *SessionClaims) Session() model.Session {
	s := model.Session{ID: c.SessionID}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return s
}

// JWTService handles session token operations
type JWTService struct {
	secret []byte
	ttl    time.Duration
	nowF   func() time.Time
}

// NewJWTService creates a new JWT service issuing sessions that last ttl
func NewJWTService(secret string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &JWTService{
		secret: []byte(secret),
		ttl:    ttl,
		nowF:   time.Now,
	}
}

// NewSession starts a kiosk session and returns it with its signed token
func (s *JWTService) NewSession() (model.Session, string, error) {
	now := s.nowF()
	sess := model.Session{
		ID:        uuid.New(),
		ExpiresAt: now.Add(s.ttl).UTC().Truncate(time.Second),
	}
	token, err := s.SignSessionToken(sess, now)
	if err != nil {
		return model.Session{}, "", err
	}
	return sess, token, nil
}

// SignSessionToken creates an HS256 token for sess
func (s *JWTService) SignSessionToken(sess model.Session, issuedAt time.Time) (string, error) {
	claims := &SessionClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sess.ID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses a session token
func (s *JWTService) VerifyToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowF),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.SessionID == uuid.Nil {
		return nil, errors.New("token has no session id")
	}

	return claims, nil
}

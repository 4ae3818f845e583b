package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/breakslot/breakslot/pkg/model"
)

var ErrInvalidToken = errors.New("invalid token")

// SessionClaims identify the caller. The identity service issues them; the API
// trusts the worker id and role they carry. IssuedAtMillis refines the
// whole-second iat claim so a session opened right after a revocation in the
// same second is still honoured.
type SessionClaims struct {
	jwt.RegisteredClaims
	WorkerID       string `json:"worker_id"`
	Username       string `json:"username"`
	Role           string `json:"role"`
	IssuedAtMillis int64  `json:"iat_ms,omitempty"`
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *TokenManager) GenerateToken(worker *model.Worker, role string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   worker.ID.String(),
			Issuer:    m.issuer,
		},
		WorkerID:       worker.ID.String(),
		Username:       worker.Username,
		Role:           role,
		IssuedAtMillis: now.UnixMilli(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(m.issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.WorkerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *SessionClaims) HasRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

func (c *SessionClaims) IsAdmin() bool {
	return c.HasRole(model.RoleAdmin, model.RoleSuperAdmin)
}

// IssuedAtTime returns the issue instant at millisecond precision when the
// token carries it, else the iat claim, else the zero time.
func (c *SessionClaims) IssuedAtTime() time.Time {
	if c.IssuedAtMillis > 0 {
		return time.UnixMilli(c.IssuedAtMillis)
	}
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parlor-chat/parlor/internal/domain"
)

// Verifier turns a raw bearer token into a Principal. Implementations
// exist for a shared HS256 secret and for an external JWKS endpoint.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type accessClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (h *HMACVerifier) Verify(_ context.Context, raw string) (Principal, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		// Ensure HS* (HMAC) only
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	if iss := claims.Issuer; iss != "" && iss != h.issuer {
		return Principal{}, fmt.Errorf("%w: issuer mismatch", domain.ErrUnauthorized)
	}
	return principalFromClaims(claims.Subject, claims.DeviceID)
}

func principalFromClaims(sub, did string) (Principal, error) {
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad subject claim", domain.ErrUnauthorized)
	}
	deviceID, err := uuid.Parse(did)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad device claim", domain.ErrUnauthorized)
	}
	return Principal{UserID: userID, DeviceID: deviceID}, nil
}

// MintHS256 issues a device-scoped access token against the shared
// secret. Used by the operator CLI for development setups and by tests;
// production deployments mint at the identity provider instead.
func MintHS256(secret, issuer string, userID, deviceID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := accessClaims{
		DeviceID: deviceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

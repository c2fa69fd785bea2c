package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/parlor-chat/parlor/internal/domain"
)

type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the signing keys of the external identity
// provider and keeps them refreshed in the background.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string) (*JWKSVerifier, error) {
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Minute * 15,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (j *JWKSVerifier) Verify(_ context.Context, raw string) (Principal, error) {
	token, err := jwt.Parse(raw, j.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	if iss, _ := claims["iss"].(string); iss != "" && iss != j.issuer {
		return Principal{}, fmt.Errorf("%w: issuer mismatch", domain.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	did, _ := claims["did"].(string)
	return principalFromClaims(sub, did)
}

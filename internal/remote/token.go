package remote

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gitea.jw6.us/james/calsync/internal/store"
)

// TokenProvider checks and renews OAuth access tokens.
type TokenProvider interface {
	Valid(accessToken string) bool
	Refresh(ctx context.Context, refreshToken string) (store.TokenSet, error)
}

// expiryMargin is subtracted from a token's exp claim before comparing.
const expiryMargin = time.Second

// TokenExpiry decodes the exp claim of a JWT without verifying its
// signature.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenValidAt reports whether token is still usable at now.
func TokenValidAt(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	return now.Before(exp.Add(-expiryMargin))
}

// ABOUTME: Reads the exp claim from JWT-shaped tokens without verifying them
// ABOUTME: Opaque or malformed tokens report no known expiry

package sessionclock

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LooksLikeJWT reports whether token has the dotted shape of a JWT.
func LooksLikeJWT(token string) bool {
	return strings.Contains(token, ".")
}

// DecodeExpiry returns the token's exp claim. ok is false for opaque tokens,
// malformed tokens and tokens without exp.
func DecodeExpiry(token string) (expiresAt time.Time, ok bool) {
	if !LooksLikeJWT(token) {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	// Claims are decoded before the alg lookup, so an unknown alg still
	// leaves usable claims.
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ABOUTME: Token issuing and verification for the fake backend
// ABOUTME: Opaque Sanctum-style tokens or HS256 JWTs, all revocable

package fakebackend

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind selects the token format.
type TokenKind string

const (
	TokenOpaque TokenKind = "opaque"
	TokenJWT    TokenKind = "jwt"
)

var (
	errInvalidToken = errors.New("invalid token")
	errExpiredToken = errors.New("token expired")
)

type tokenRecord struct {
	userID    string
	expiresAt time.Time // zero for opaque tokens
}

// issueLocked creates a token for userID. Caller holds s.mu.
func (s *Server) issueLocked(userID string) (string, error) {
	var token string
	var expiresAt time.Time

	switch s.opts.Tokens {
	case TokenJWT:
		now := s.opts.Now()
		expiresAt = now.Add(s.opts.TokenTTL)
		claims := jwt.MapClaims{
			"sub": userID,
			"jti": uuid.New().String(),
			"iat": now.Unix(),
			"exp": expiresAt.Unix(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
		if err != nil {
			return "", fmt.Errorf("signing token: %w", err)
		}
		token = signed
	default:
		b := make([]byte, 20)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generating token: %w", err)
		}
		s.tokenSeq++
		token = fmt.Sprintf("%d|%s", s.tokenSeq, hex.EncodeToString(b))
	}

	s.tokens[token] = tokenRecord{userID: userID, expiresAt: expiresAt}
	return token, nil
}

// verifyLocked returns the user a live token belongs to. Caller holds s.mu.
func (s *Server) verifyLocked(token string) (string, error) {
	rec, ok := s.tokens[token]
	if !ok {
		return "", errInvalidToken
	}
	if s.opts.Tokens != TokenJWT || !strings.Contains(token, ".") {
		return rec.userID, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.opts.Secret, nil
	}, jwt.WithTimeFunc(s.opts.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errExpiredToken
		}
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != rec.userID {
		return "", errInvalidToken
	}
	return sub, nil
}

// extractBearerToken reads "Authorization: Bearer <token>".
func extractBearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

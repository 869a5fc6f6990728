package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// IssueUserToken signs an HS256 token for the given user. The user service
// issues these on registration and login; both services verify them in local
// auth mode.
func IssueUserToken(secret []byte, userID, audience, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// credentialExpired inspects the bearer credential's exp claim without
// verifying the signature; verification is the server's job. An already
// expired token becomes AuthExpired locally instead of a doomed handshake.
// Credentials that are not JWTs pass through for the server to judge.
func credentialExpired(credential string, now time.Time) bool {
	token, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

package service

import (
	"errors"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// CheckCredential rejects a bearer credential that can't succeed before any request is made. The signature is not
// verified, that is the job of the backend; only the expiration of JWT credentials is checked. Opaque tokens pass.
func CheckCredential(credential string, now time.Time) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return newClientError(errors.New("missing bearer credential"))
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(credential, claims); err != nil {
		return nil
	}
	if !claims.VerifyExpiresAt(now.Unix(), false) {
		return newClientError(errors.New("bearer credential expired"))
	}
	return nil
}

// BearerCredential extracts the credential from an Authorization header value.
func BearerCredential(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

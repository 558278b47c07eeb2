// Package ondus holds the vendor cloud's shared wire types: the tagged
// authentication error, the token pair, and the custom-scheme terminal
// redirect produced by the login flow.
package ondus

import (
	"errors"
	"fmt"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/log"
)

type ErrorKind string

const (
	KindNoRefreshToken        ErrorKind = "NO_REFRESH_TOKEN"
	KindTokenFormatInvalid    ErrorKind = "TOKEN_FORMAT_INVALID"
	KindNoIssuer              ErrorKind = "NO_ISSUER"
	KindTokenResponseInvalid  ErrorKind = "TOKEN_RESPONSE_INVALID"
	KindInvalidRefreshToken   ErrorKind = "INVALID_REFRESH_TOKEN"
	KindTokenRefreshFailed    ErrorKind = "TOKEN_REFRESH_FAILED"
	KindRestartCookieNotFound ErrorKind = "RESTART_COOKIE_NOT_FOUND"
	KindKeycloakSorryPage     ErrorKind = "KEYCLOAK_SORRY_PAGE"
	KindInvalidCredentials    ErrorKind = "INVALID_CREDENTIALS"
	KindMFARequired           ErrorKind = "MFA_REQUIRED"
)

// AuthError is a branchable authentication outcome. Kind is stable and
// machine-checkable, Detail is for humans and arrives pre-clipped so response
// bodies cannot flood logs.
type AuthError struct {
	Kind   ErrorKind
	Detail string
}

func NewAuthError(kind ErrorKind, detail string) *AuthError {
	return &AuthError{Kind: kind, Detail: log.Clip(detail)}
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AuthError) FlawP() flaw.P {
	return flaw.P{"kind": string(e.Kind), "detail": e.Detail}
}

func IsKind(err error, kind ErrorKind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

// TokenPair is the durable login artifact. The access token lives in memory
// only; the refresh token is the part worth persisting, and only when it
// changes.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (p *TokenPair) FlawP() flaw.P {
	return flaw.P{
		"access_token":  log.RedactString(p.AccessToken),
		"refresh_token": log.RedactString(p.RefreshToken),
		"id_token":      log.RedactString(p.IDToken),
		"expires_in":    p.ExpiresIn,
		"token_type":    p.TokenType,
	}
}

package login

import (
	"fmt"
	"strings"

	"github.com/xeptore/ondusd/ondus"
)

// Known identity provider failure pages, probed by case-insensitive substring
// before any parsing. The first hit wins.
var markers = []struct {
	needle string
	kind   ondus.ErrorKind
}{
	{needle: "invalid username or password", kind: ondus.KindInvalidCredentials},
	{needle: "invalid email address or password", kind: ondus.KindInvalidCredentials},
	{needle: "restart login cookie not found", kind: ondus.KindRestartCookieNotFound},
	{needle: "cookie not found", kind: ondus.KindRestartCookieNotFound},
	{needle: "one-time code", kind: ondus.KindMFARequired},
	{needle: "mobile authenticator", kind: ondus.KindMFARequired},
	{needle: "sorry, something went wrong", kind: ondus.KindKeycloakSorryPage},
	{needle: "internal server error has occurred", kind: ondus.KindKeycloakSorryPage},
}

func detectErrorPage(body []byte) (*ondus.AuthError, bool) {
	haystack := strings.ToLower(string(body))
	for _, m := range markers {
		if strings.Contains(haystack, m.needle) {
			return ondus.NewAuthError(m.kind, fmt.Sprintf("identity provider page contains %q", m.needle)), true
		}
	}
	return nil, false
}

package ondus

import (
	"fmt"
	"net/url"
	"strings"
)

const redirectScheme = "ondus://"

// MalformedRedirectError means the login flow reached a terminal redirect the
// token exchange cannot use. It is fatal for the whole login attempt.
type MalformedRedirectError struct {
	Location string
	Reason   string
}

func (e *MalformedRedirectError) Error() string {
	return fmt.Sprintf("malformed terminal redirect: %s", e.Reason)
}

// Redirect is the parsed terminal redirect of a successful login flow.
// CallbackURL is the https form of the location with host, path, and every
// query parameter preserved byte for byte.
type Redirect struct {
	Code        string
	State       string
	CallbackURL string
}

func IsRedirectLocation(location string) bool {
	return strings.HasPrefix(location, redirectScheme)
}

func ParseRedirect(location string) (*Redirect, error) {
	if !strings.HasPrefix(location, redirectScheme) {
		return nil, &MalformedRedirectError{Location: location, Reason: "location does not use the ondus scheme"}
	}

	// Scheme swap by prefix substitution. Parsing and re-encoding the URL
	// could reorder or re-escape query parameters the token endpoint expects
	// untouched.
	callback := "https://" + strings.TrimPrefix(location, redirectScheme)
	u, err := url.Parse(callback)
	if nil != err {
		return nil, &MalformedRedirectError{Location: location, Reason: fmt.Sprintf("location is not a parsable URL: %v", err)}
	}

	query := u.Query()
	code, state := query.Get("code"), query.Get("state")
	if code == "" {
		return nil, &MalformedRedirectError{Location: location, Reason: "location carries no code parameter"}
	}
	if state == "" {
		return nil, &MalformedRedirectError{Location: location, Reason: "location carries no state parameter"}
	}

	return &Redirect{Code: code, State: state, CallbackURL: callback}, nil
}

// TokenEndpoint is the callback URL stripped of its query and fragment, the
// target of the POST-shaped exchange strategies.
func (r *Redirect) TokenEndpoint() string {
	endpoint := r.CallbackURL
	if i := strings.IndexAny(endpoint, "?#"); i != -1 {
		endpoint = endpoint[:i]
	}
	return endpoint
}

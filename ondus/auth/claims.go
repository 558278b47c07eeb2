package auth

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeptore/ondusd/ondus"
)

type claims struct {
	Issuer          string `json:"iss"`
	AuthorizedParty string `json:"azp"`
	ExpiresAt       int64  `json:"exp"`
}

// decodeClaims reads a JWT payload without signature verification. The values
// only ever build the refresh URL and pick a client id; no verification key
// exists for these deployments anyway.
func decodeClaims(token string) (*claims, error) {
	splits := strings.SplitN(token, ".", 3)
	if len(splits) != 3 {
		return nil, ondus.NewAuthError(ondus.KindTokenFormatInvalid, "token does not have three dot-separated segments")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(splits[1], "="))
	if nil != err {
		return nil, ondus.NewAuthError(ondus.KindTokenFormatInvalid, fmt.Sprintf("token payload segment is not base64url: %v", err))
	}

	var c claims
	if err := json.Unmarshal(payload, &c); nil != err {
		return nil, ondus.NewAuthError(ondus.KindTokenFormatInvalid, fmt.Sprintf("token payload is not a JSON object: %v", err))
	}
	return &c, nil
}

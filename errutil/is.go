package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"
)

func IsContext(ctx context.Context) bool {
	err := ctx.Err()
	return nil != err && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// IsThrottledErrorResponse detects the API gateway's throttling answer, which
// arrives as 403 with a generic message instead of a 429.
func IsThrottledErrorResponse(header http.Header, respBody []byte) (bool, error) {
	if !slices.Equal(header.Values("Content-Type"), []string{"application/json"}) {
		return false, nil
	}

	var responseBody struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &responseBody); nil != err {
		flawP := flaw.P{"err_debug_tree": Tree(err).FlawP()}
		return false, flaw.From(fmt.Errorf("failed to unmarshal JSON response body: %v", err)).Append(flawP)
	}
	return responseBody.Message == "Too Many Requests" || responseBody.Message == "Limit Exceeded", nil
}

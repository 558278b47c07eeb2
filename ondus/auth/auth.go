// Package auth is the token lifecycle manager: it holds the access/refresh
// token pair, performs refresh-token-grant calls against either a
// claims-derived or a statically configured endpoint, and wraps API requests
// with a single refresh-and-retry on 401.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/httputil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/must"
	"github.com/xeptore/ondusd/ondus"
)

var ErrUnauthorized = errors.New("Unauthorized")

// TokenStore persists rotated refresh tokens. The previous token dies on the
// identity provider the moment a rotation succeeds, so losing the new one
// means a forced re-login.
type TokenStore interface {
	SaveRefreshToken(token string) error
}

type Auth struct {
	cfg    *config.Config
	store  TokenStore
	logger zerolog.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	group singleflight.Group
}

func New(cfg *config.Config, store TokenStore, logger zerolog.Logger) *Auth {
	return &Auth{cfg: cfg, store: store, logger: logger} //nolint:exhaustruct
}

// SetRefreshToken normalizes by stripping whitespace. Tokens arrive here via
// copy-paste more often than one would hope.
func (a *Auth) SetRefreshToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshToken = strings.TrimSpace(token)
}

// SetTokens seeds both tokens after a completed login flow.
func (a *Auth) SetTokens(accessToken, refreshToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessToken = accessToken
	a.refreshToken = strings.TrimSpace(refreshToken)
}

func (a *Auth) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

func (a *Auth) RefreshToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshToken
}

// Refresh performs one refresh-token-grant call. Concurrent callers share a
// single in-flight call so two pollers cannot rotate tokens out from under
// each other.
func (a *Auth) Refresh(ctx context.Context) error {
	_, err, _ := a.group.Do("refresh", func() (any, error) {
		return nil, a.refresh(ctx)
	})
	return err
}

func (a *Auth) refresh(ctx context.Context) (err error) {
	a.mu.Lock()
	refreshToken := a.refreshToken
	a.mu.Unlock()

	if refreshToken == "" {
		return ondus.NewAuthError(ondus.KindNoRefreshToken, "no refresh token is set")
	}
	flawP := flaw.P{"mode": a.cfg.RefreshMode, "refresh_token": log.RedactString(refreshToken)}

	request, err := a.newRefreshRequest(ctx, refreshToken)
	if nil != err {
		return err
	}
	flawP["url"] = request.URL.String()

	client := http.Client{Timeout: config.RefreshRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(request)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return ondus.NewAuthError(ondus.KindTokenRefreshFailed, "refresh request timed out")
		default:
			return ondus.NewAuthError(ondus.KindTokenRefreshFailed, fmt.Sprintf("refresh request failed: %v", err))
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr))
			var authErr *ondus.AuthError
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsContext(ctx):
			case errors.Is(err, context.DeadlineExceeded):
			case errors.As(err, &authErr):
				// The kind must survive for the caller's branching. A close
				// failure after a fully read body carries no information.
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return err
		}
		detail := fmt.Sprintf("refresh was rejected with status %d", code)
		if desc, ok := httputil.OAuthErrorDescription(respBytes); ok {
			detail = desc
		}
		return ondus.NewAuthError(ondus.KindInvalidRefreshToken, detail)
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return err
		}
		return ondus.NewAuthError(ondus.KindTokenRefreshFailed, fmt.Sprintf("unexpected refresh status %d: %s", code, string(respBytes)))
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return err
	}

	var respBody struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		return ondus.NewAuthError(ondus.KindTokenResponseInvalid, fmt.Sprintf("refresh response is not a JSON object: %v", err))
	}
	if respBody.AccessToken == "" {
		return ondus.NewAuthError(ondus.KindTokenResponseInvalid, "refresh response carries no access token")
	}

	a.mu.Lock()
	a.accessToken = respBody.AccessToken
	rotated := respBody.RefreshToken != "" && respBody.RefreshToken != a.refreshToken
	if respBody.RefreshToken != "" {
		a.refreshToken = respBody.RefreshToken
	}
	a.mu.Unlock()
	a.logger.Debug().Int64("expires_in", respBody.ExpiresIn).Msg("Access token refreshed")

	if rotated {
		if err := a.store.SaveRefreshToken(respBody.RefreshToken); nil != err {
			if errutil.IsFlaw(err) {
				return must.BeFlaw(err).Append(flawP)
			}
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return flaw.From(fmt.Errorf("failed to persist rotated refresh token: %v", err)).Append(flawP)
		}
		a.logger.Info().Msg("Rotated refresh token persisted")
	}
	return nil
}

func (a *Auth) newRefreshRequest(ctx context.Context, refreshToken string) (*http.Request, error) {
	switch a.cfg.RefreshMode {
	case config.RefreshModeDerived:
		c, err := decodeClaims(refreshToken)
		if nil != err {
			return nil, err
		}
		if c.Issuer == "" {
			return nil, ondus.NewAuthError(ondus.KindNoIssuer, "token claims carry no issuer")
		}
		endpoint, err := url.JoinPath(c.Issuer, "protocol", "openid-connect", "token")
		if nil != err {
			flawP := flaw.P{"issuer": c.Issuer, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to build refresh endpoint from issuer: %v", err)).Append(flawP)
		}

		clientID := c.AuthorizedParty
		if clientID == "" {
			clientID = a.cfg.Deployment
		}
		form := url.Values{
			"grant_type":    []string{"refresh_token"},
			"refresh_token": []string{refreshToken},
			"client_id":     []string{clientID},
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if nil != err {
			flawP := flaw.P{"url": endpoint, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to create refresh request: %v", err)).Append(flawP)
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set("Accept", "application/json")
		return request, nil
	case config.RefreshModeStatic:
		body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if nil != err {
			flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to marshal refresh request body: %v", err)).Append(flawP)
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RefreshEndpoint, bytes.NewReader(body))
		if nil != err {
			flawP := flaw.P{"url": a.cfg.RefreshEndpoint, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to create refresh request: %v", err)).Append(flawP)
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Accept", "application/json")
		return request, nil
	default:
		panic(fmt.Sprintf("unknown refresh mode: %q", a.cfg.RefreshMode))
	}
}

// Request describes one authenticated API call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) FlawP() flaw.P {
	return flaw.P{"status": r.Status, "body": log.Clip(string(r.Body))}
}

// Do issues an authenticated request, refreshing first when no live access
// token is held. A 401 answer triggers exactly one refresh-and-retry; a
// second 401 surfaces ErrUnauthorized.
func (a *Auth) Do(ctx context.Context, req *Request) (*Response, error) {
	return a.do(ctx, req, true)
}

func (a *Auth) do(ctx context.Context, req *Request, retry bool) (_ *Response, err error) {
	accessToken, err := a.ensureAccessToken(ctx)
	if nil != err {
		return nil, err
	}
	flawP := flaw.P{"method": req.Method, "url": req.URL}

	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}
	request, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create request: %v", err)).Append(flawP)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			request.Header.Add(k, v)
		}
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 && request.Header.Get("Content-Type") == "" {
		request.Header.Set("Content-Type", "application/json")
	}

	client := http.Client{Timeout: config.APIRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(request)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to send request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr))
			var authErr *ondus.AuthError
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsContext(ctx):
			case errors.Is(err, context.DeadlineExceeded):
			case errors.Is(err, ErrUnauthorized):
			case errors.As(err, &authErr):
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		if !retry {
			a.logger.Warn().Str("body", log.Clip(string(respBytes))).Msg("API call kept answering 401 after a refresh")
			return nil, ErrUnauthorized
		}
		a.logger.Debug().Msg("API call answered 401, refreshing token once")
		if err := a.Refresh(ctx); nil != err {
			return nil, err
		}
		return a.do(ctx, req, false)
	}

	respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBytes}, nil
}

// ensureAccessToken hands out the held token unless it is absent or its
// decoded exp has passed. Undecodable tokens count as live; the 401 path
// catches those.
func (a *Auth) ensureAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	accessToken := a.accessToken
	a.mu.Unlock()

	if accessToken != "" && !isExpired(accessToken) {
		return accessToken, nil
	}
	if err := a.Refresh(ctx); nil != err {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken, nil
}

func isExpired(accessToken string) bool {
	c, err := decodeClaims(accessToken)
	if nil != err || c.ExpiresAt == 0 {
		return false
	}
	return time.Now().After(time.Unix(c.ExpiresAt, 0))
}

// Package session implements the cookie-carrying HTTP client the login flow
// runs on. Redirects are never followed automatically so the flow driver can
// inspect every Location itself.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/constant"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/httputil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/must"
)

// StatusError carries a [400,600) response. The flow driver treats it as a
// failed step, the exchange strategies as a fall-through signal.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d", e.Status)
}

func (e *StatusError) FlawP() flaw.P {
	return flaw.P{"status": e.Status, "body": log.Clip(string(e.Body))}
}

// Response is one flow step: final status, headers, fully read body, and the
// request URL relative locations resolve against.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    *url.URL
}

func (r *Response) Location() (string, bool) {
	loc := r.Header.Get("Location")
	return loc, loc != ""
}

func (r *Response) FlawP() flaw.P {
	return flaw.P{
		"status": r.Status,
		"url":    r.URL.String(),
		"body":   log.Clip(string(r.Body)),
	}
}

// Session owns the cookie jar of exactly one login attempt. A retried
// attempt must run on a brand new Session so no cookie crosses over.
type Session struct {
	client http.Client
}

func New() (*Session, error) {
	jar, err := cookiejar.New(nil)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to create cookie jar: %v", err)).Append(flawP)
	}

	client := http.Client{ //nolint:exhaustruct
		Jar:     jar,
		Timeout: config.LoginRequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Session{client: client}, nil
}

func (s *Session) Get(ctx context.Context, reqURL string, header http.Header) (*Response, error) {
	flawP := flaw.P{"method": http.MethodGet, "url": reqURL}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create request: %v", err)).Append(flawP)
	}
	s.decorate(request, header)

	return s.send(ctx, request, flawP)
}

func (s *Session) PostForm(ctx context.Context, reqURL string, form url.Values, header http.Header) (*Response, error) {
	flawP := flaw.P{"method": http.MethodPost, "url": reqURL}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create request: %v", err)).Append(flawP)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.decorate(request, header)

	return s.send(ctx, request, flawP)
}

func (s *Session) PostJSON(ctx context.Context, reqURL string, body []byte, header http.Header) (*Response, error) {
	flawP := flaw.P{"method": http.MethodPost, "url": reqURL}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create request: %v", err)).Append(flawP)
	}
	request.Header.Set("Content-Type", "application/json")
	s.decorate(request, header)

	return s.send(ctx, request, flawP)
}

// decorate attaches the browser-shaped base headers, then the caller's.
func (s *Session) decorate(request *http.Request, header http.Header) {
	request.Header.Set("User-Agent", constant.UserAgent)
	request.Header.Set("Accept-Language", constant.AcceptLanguage)
	for k, vs := range header {
		for _, v := range vs {
			request.Header.Add(k, v)
		}
	}
}

func (s *Session) send(ctx context.Context, request *http.Request, flawP flaw.P) (_ *Response, err error) {
	resp, err := s.client.Do(request)
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
			var statusErr *StatusError
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsContext(ctx):
			case errors.Is(err, context.DeadlineExceeded):
			case errors.As(err, &statusErr):
				err = must.BeFlaw(closeErr).Append(statusErr.FlawP())
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBytes,
		URL:    request.URL,
	}
	if out.Status >= http.StatusBadRequest {
		return nil, &StatusError{Status: out.Status, Body: out.Body}
	}
	return out, nil
}

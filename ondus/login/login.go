// Package login drives the browser-less authorization-code flow: it starts
// at the fixed login-initiation URL, submits the scraped HTML form, chases
// the redirect chain to the custom-scheme terminal redirect, and exchanges
// it for a token pair.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	try "gopkg.in/matryer/try.v1"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/must"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/session"
	"github.com/xeptore/ondusd/waitqueue"
)

const maxChainedRedirects = 20

type Flow struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func NewFlow(cfg *config.Config, logger zerolog.Logger) *Flow {
	return &Flow{cfg: cfg, logger: logger}
}

// Run executes the whole flow. Only the restart-cookie page triggers another
// attempt, up to 3 in total, each on a brand new session so no cookie
// survives into it. Every other failure stops immediately.
func (f *Flow) Run(ctx context.Context, username, password string) (*ondus.TokenPair, error) {
	wq := waitqueue.New(ctx)
	defer wq.Close()

	var pair *ondus.TokenPair
	err := try.Do(func(attempt int) (bool, error) {
		const maxAttempts = 3
		attemptRemained := attempt < maxAttempts

		sess, err := session.New()
		if nil != err {
			return false, err
		}

		redirect, err := f.run(ctx, sess, wq, username, password)
		if nil != err {
			if errutil.IsContext(ctx) {
				return false, ctx.Err()
			}
			if ondus.IsKind(err, ondus.KindRestartCookieNotFound) {
				f.logger.Warn().Int("attempt", attempt).Msg("Identity provider lost the flow cookies, restarting login on a fresh session")
				time.Sleep(time.Duration(attempt-1) * 3 * time.Second)
				return attemptRemained, err
			}
			return false, err
		}

		p, err := f.exchange(ctx, sess, wq, redirect)
		if nil != err {
			if errutil.IsContext(ctx) {
				return false, ctx.Err()
			}
			return false, err
		}

		pair = p
		return false, nil
	})
	if nil != err {
		return nil, err
	}
	return pair, nil
}

// run drives one attempt of the flow up to its terminal redirect. The token
// exchange is the caller's next move.
func (f *Flow) run(ctx context.Context, sess *session.Session, wq *waitqueue.WaitQueue, username, password string) (*ondus.Redirect, error) {
	flawP := flaw.P{"login_url": f.cfg.LoginURL}

	start, err := f.fetch(ctx, sess, wq, f.cfg.LoginURL, nil)
	if nil != err {
		return nil, f.flowFlaw(ctx, err, flawP, "login initiation request failed")
	}
	if start.Status != http.StatusFound {
		flawP["response"] = start.FlawP()
		return nil, flaw.From(fmt.Errorf("unexpected login initiation status %d", start.Status)).Append(flawP)
	}
	authPageLoc, ok := start.Location()
	if !ok {
		flawP["response"] = start.FlawP()
		return nil, flaw.From(errors.New("login initiation redirect carries no location")).Append(flawP)
	}
	authPageURL, err := resolveLocation(start.URL, authPageLoc)
	if nil != err {
		return nil, must.BeFlaw(err).Append(flawP)
	}

	page, err := f.fetch(ctx, sess, wq, authPageURL.String(), nil)
	if nil != err {
		return nil, f.flowFlaw(ctx, err, flawP, "auth page request failed")
	}
	if page.Status != http.StatusOK {
		flawP["response"] = page.FlawP()
		return nil, flaw.From(fmt.Errorf("unexpected auth page status %d", page.Status)).Append(flawP)
	}
	if authErr, ok := detectErrorPage(page.Body); ok {
		return nil, authErr
	}

	form, err := parseForm(page.Body, page.URL)
	if nil != err {
		return nil, must.BeFlaw(err).Append(flawP)
	}
	flawP["form"] = form.FlawP()
	form.Fields.Set(form.UserField, username)
	form.Fields.Set(form.PassField, password)

	referer := http.Header{"Referer": []string{page.URL.String()}}
	resp, err := f.submit(ctx, sess, wq, form, referer)
	if nil != err {
		return nil, f.flowFlaw(ctx, err, flawP, "login form submission failed")
	}
	f.logger.Debug().Msg("Login form submitted")

	for chased := 0; ; chased++ {
		if loc, ok := resp.Location(); ok && ondus.IsRedirectLocation(loc) {
			redirect, err := ondus.ParseRedirect(loc)
			if nil != err {
				var malformedErr *ondus.MalformedRedirectError
				if errors.As(err, &malformedErr) {
					flawP["redirect_location"] = log.RedactString(malformedErr.Location)
					return nil, flaw.From(fmt.Errorf("login flow ended with a malformed terminal redirect: %v", err)).Append(flawP)
				}
				return nil, err
			}
			f.logger.Debug().Msg("Login flow reached the terminal redirect")
			return redirect, nil
		}

		switch resp.Status {
		case http.StatusFound, http.StatusSeeOther:
			if chased == maxChainedRedirects {
				flawP["max_redirects"] = maxChainedRedirects
				return nil, flaw.From(errors.New("login flow exceeded the redirect chain bound")).Append(flawP)
			}
			loc, ok := resp.Location()
			if !ok {
				flawP["response"] = resp.FlawP()
				return nil, flaw.From(errors.New("redirect response carries no location")).Append(flawP)
			}
			next, err := resolveLocation(resp.URL, loc)
			if nil != err {
				return nil, must.BeFlaw(err).Append(flawP)
			}
			resp, err = f.fetch(ctx, sess, wq, next.String(), nil)
			if nil != err {
				return nil, f.flowFlaw(ctx, err, flawP, "redirect chain request failed")
			}
		case http.StatusOK:
			if authErr, ok := detectErrorPage(resp.Body); ok {
				return nil, authErr
			}
			flawP["response"] = resp.FlawP()
			return nil, flaw.From(errors.New("login flow answered an unrecognized HTML page")).Append(flawP)
		default:
			flawP["response"] = resp.FlawP()
			return nil, flaw.From(fmt.Errorf("unexpected login flow status %d", resp.Status)).Append(flawP)
		}
	}
}

func (f *Flow) fetch(ctx context.Context, sess *session.Session, wq *waitqueue.WaitQueue, reqURL string, header http.Header) (*session.Response, error) {
	var resp *session.Response
	err := wq.Send(ctx, func() error {
		var sendErr error
		resp, sendErr = sess.Get(ctx, reqURL, header)
		return sendErr
	})
	if nil != err {
		return nil, err
	}
	return resp, nil
}

func (f *Flow) submit(ctx context.Context, sess *session.Session, wq *waitqueue.WaitQueue, form *Form, header http.Header) (*session.Response, error) {
	var resp *session.Response
	err := wq.Send(ctx, func() error {
		var sendErr error
		resp, sendErr = sess.PostForm(ctx, form.Action.String(), form.Fields, header)
		return sendErr
	})
	if nil != err {
		return nil, err
	}
	return resp, nil
}

// flowFlaw folds a failed session call into the attempt's flaw. Error
// statuses are fatal for the flow; only the marker scan produces retryable
// outcomes.
func (f *Flow) flowFlaw(ctx context.Context, err error, flawP flaw.P, msg string) error {
	var statusErr *session.StatusError
	switch {
	case errutil.IsContext(ctx):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case errors.As(err, &statusErr):
		flawP["response"] = statusErr.FlawP()
		return flaw.From(fmt.Errorf("%s: status %d", msg, statusErr.Status)).Append(flawP)
	case errutil.IsFlaw(err):
		return must.BeFlaw(err).Append(flawP)
	default:
		panic(errutil.UnknownError(err))
	}
}

func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	ref, err := url.Parse(location)
	if nil != err {
		flawP := flaw.P{"location": location, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to parse redirect location: %v", err)).Append(flawP)
	}
	return base.ResolveReference(ref), nil
}

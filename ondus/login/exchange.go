package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/session"
	"github.com/xeptore/ondusd/waitqueue"
)

// exchange tries the configured strategies in order until one yields a token
// pair. The identity provider's accepted request shape differs between
// deployments, so every strategy failure is logged and the next one runs.
// The last strategy's failure stands for the whole exchange.
func (f *Flow) exchange(ctx context.Context, sess *session.Session, wq *waitqueue.WaitQueue, redirect *ondus.Redirect) (*ondus.TokenPair, error) {
	flawP := flaw.P{"strategies": f.cfg.ExchangeStrategies}
	attempts := make([]flaw.P, 0, len(f.cfg.ExchangeStrategies))

	var lastErr error
	for _, strategy := range f.cfg.ExchangeStrategies {
		pair, err := f.attemptExchange(ctx, sess, wq, strategy, redirect)
		if nil != err {
			f.logger.
				Warn().
				Str("strategy", strategy).
				Str("reason", log.Clip(err.Error())).
				Msg("Token exchange strategy failed")
			attempts = append(attempts, flaw.P{"strategy": strategy, "reason": log.Clip(err.Error())})
			lastErr = err
			continue
		}
		f.logger.Debug().Str("strategy", strategy).Msg("Token exchange succeeded")
		return pair, nil
	}

	flawP["attempts"] = attempts
	return nil, flaw.From(fmt.Errorf("all token exchange strategies failed: %v", lastErr)).Append(flawP)
}

func (f *Flow) attemptExchange(ctx context.Context, sess *session.Session, wq *waitqueue.WaitQueue, strategy string, redirect *ondus.Redirect) (*ondus.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, config.TokenExchangeRequestTimeout)
	defer cancel()

	var resp *session.Response
	err := wq.Send(ctx, func() error {
		var sendErr error
		resp, sendErr = f.sendExchange(ctx, sess, strategy, redirect)
		return sendErr
	})
	if nil != err {
		var statusErr *session.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("token endpoint answered status %d: %s", statusErr.Status, log.Clip(string(statusErr.Body)))
		}
		return nil, err
	}
	return parseTokenResponse(resp)
}

func (f *Flow) sendExchange(ctx context.Context, sess *session.Session, strategy string, redirect *ondus.Redirect) (*session.Response, error) {
	switch strategy {
	case config.StrategyCallbackGet:
		header := http.Header{"Accept": []string{"application/json"}}
		return sess.Get(ctx, redirect.CallbackURL, header)
	case config.StrategyBodyJSON:
		body, err := json.Marshal(struct {
			RequestBody string `json:"requestBody"`
		}{RequestBody: redirect.CallbackURL})
		if nil != err {
			return nil, flaw.From(fmt.Errorf("failed to encode token exchange request body: %v", err))
		}
		return sess.PostJSON(ctx, redirect.TokenEndpoint(), body, nil)
	case config.StrategyCodeStateJSON:
		body, err := json.Marshal(struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}{Code: redirect.Code, State: redirect.State})
		if nil != err {
			return nil, flaw.From(fmt.Errorf("failed to encode token exchange request body: %v", err))
		}
		return sess.PostJSON(ctx, redirect.TokenEndpoint(), body, nil)
	case config.StrategyForm:
		form := url.Values{"requestBody": []string{redirect.CallbackURL}}
		return sess.PostForm(ctx, redirect.TokenEndpoint(), form, nil)
	default:
		panic(fmt.Sprintf("unknown token exchange strategy: %q", strategy))
	}
}

// parseTokenResponse accepts only a 200 response containing both tokens.
// Anything else fails the strategy so the next one can run.
func parseTokenResponse(resp *session.Response) (*ondus.TokenPair, error) {
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("token endpoint answered status %d: %s", resp.Status, log.Clip(string(resp.Body)))
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("token endpoint answered invalid json: %s", log.Clip(string(resp.Body)))
	}
	if gjson.GetBytes(resp.Body, "access_token").String() == "" {
		return nil, fmt.Errorf("token endpoint answer misses access_token: %s", log.Clip(string(resp.Body)))
	}
	if gjson.GetBytes(resp.Body, "refresh_token").String() == "" {
		return nil, fmt.Errorf("token endpoint answer misses refresh_token: %s", log.Clip(string(resp.Body)))
	}

	var pair ondus.TokenPair
	if err := json.Unmarshal(resp.Body, &pair); nil != err {
		return nil, fmt.Errorf("failed to decode token endpoint answer: %v", err)
	}
	return &pair, nil
}

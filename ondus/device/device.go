// Package device speaks the vendor appliance API on top of authenticated
// requests.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/must"
	"github.com/xeptore/ondusd/ondus/auth"
)

var ErrTooManyRequests = errors.New("too many requests")

// Appliance is one device record as the vendor API reports it. DataLatest
// stays raw since its shape differs per appliance type.
type Appliance struct {
	ID         string          `json:"appliance_id"`
	Type       int             `json:"appliance_type"`
	Name       string          `json:"name"`
	DataLatest json.RawMessage `json:"data_latest"`
	Online     *bool           `json:"online,omitempty"`
}

func (a *Appliance) FlawP() flaw.P {
	return flaw.P{
		"id":   a.ID,
		"type": a.Type,
		"name": a.Name,
	}
}

type Client struct {
	cfg    *config.Config
	auth   *auth.Auth
	logger zerolog.Logger
}

func New(cfg *config.Config, auth *auth.Auth, logger zerolog.Logger) *Client {
	return &Client{cfg: cfg, auth: auth, logger: logger}
}

func (c *Client) List(ctx context.Context) ([]Appliance, error) {
	reqURL := fmt.Sprintf("%s/v1/devices", c.cfg.BaseURL)
	flawP := flaw.P{"url": reqURL}

	resp, err := c.auth.Do(ctx, &auth.Request{ //nolint:exhaustruct
		Method: http.MethodGet,
		URL:    reqURL,
	})
	if nil != err {
		return nil, err
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrTooManyRequests
	case http.StatusForbidden:
		throttled, probeErr := errutil.IsThrottledErrorResponse(resp.Header, resp.Body)
		if nil != probeErr {
			flawP["response"] = resp.FlawP()
			return nil, must.BeFlaw(probeErr).Append(flawP)
		}
		if throttled {
			return nil, ErrTooManyRequests
		}
		flawP["response"] = resp.FlawP()
		return nil, flaw.From(errors.New("device list request was forbidden")).Append(flawP)
	default:
		flawP["response"] = resp.FlawP()
		return nil, flaw.From(fmt.Errorf("unexpected device list response status %d", resp.Status)).Append(flawP)
	}

	var appliances []Appliance
	if err := json.Unmarshal(resp.Body, &appliances); nil != err {
		flawP["body"] = log.Clip(string(resp.Body))
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode device list response: %v", err)).Append(flawP)
	}
	c.logger.Debug().Int("appliances", len(appliances)).Msg("Fetched appliance list")
	return appliances, nil
}

// SetValve opens or closes an appliance's water valve.
func (c *Client) SetValve(ctx context.Context, applianceID string, open bool) error {
	body, err := json.Marshal(struct {
		Open bool `json:"open"`
	}{Open: open})
	if nil != err {
		return flaw.From(fmt.Errorf("failed to encode valve request body: %v", err))
	}

	reqURL := fmt.Sprintf("%s/v1/devices/%s/actions/valve", c.cfg.BaseURL, applianceID)
	return c.action(ctx, reqURL, body, flaw.P{"appliance_id": applianceID, "open": open})
}

// Dispense pours the given amount of water of the given type from a tap
// appliance.
func (c *Client) Dispense(ctx context.Context, applianceID string, waterType int, amountML int) error {
	body, err := json.Marshal(struct {
		Type     int `json:"type"`
		AmountML int `json:"amountMl"`
	}{Type: waterType, AmountML: amountML})
	if nil != err {
		return flaw.From(fmt.Errorf("failed to encode dispense request body: %v", err))
	}

	reqURL := fmt.Sprintf("%s/v1/devices/%s/actions/dispense", c.cfg.BaseURL, applianceID)
	return c.action(ctx, reqURL, body, flaw.P{"appliance_id": applianceID, "type": waterType, "amount_ml": amountML})
}

func (c *Client) action(ctx context.Context, reqURL string, body []byte, flawP flaw.P) error {
	ctx, cancel := context.WithTimeout(ctx, config.DeviceActionRequestTimeout)
	defer cancel()

	flawP["url"] = reqURL
	resp, err := c.auth.Do(ctx, &auth.Request{
		Method: http.MethodPost,
		URL:    reqURL,
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	if nil != err {
		return err
	}

	switch resp.Status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	case http.StatusForbidden:
		throttled, probeErr := errutil.IsThrottledErrorResponse(resp.Header, resp.Body)
		if nil != probeErr {
			flawP["response"] = resp.FlawP()
			return must.BeFlaw(probeErr).Append(flawP)
		}
		if throttled {
			return ErrTooManyRequests
		}
		flawP["response"] = resp.FlawP()
		return flaw.From(errors.New("device action request was forbidden")).Append(flawP)
	case http.StatusNotFound:
		flawP["response"] = resp.FlawP()
		return flaw.From(errors.New("device action target does not exist")).Append(flawP)
	default:
		flawP["response"] = resp.FlawP()
		return flaw.From(fmt.Errorf("unexpected device action response status %d", resp.Status)).Append(flawP)
	}
}

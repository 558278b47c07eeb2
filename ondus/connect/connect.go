// Package connect establishes the startup session: stored refresh token
// first, full HTML login as the fallback, with whatever the provider rotates
// written back to the instance document.
package connect

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/auth"
	"github.com/xeptore/ondusd/ondus/fs"
)

// LoginFlow runs the scraped HTML authorization-code flow end to end.
type LoginFlow interface {
	Run(ctx context.Context, username, password string) (*ondus.TokenPair, error)
}

type Connector struct {
	cfg      *config.Config
	instance *fs.InstanceFile
	auth     *auth.Auth
	flow     LoginFlow
	logger   zerolog.Logger
}

func New(cfg *config.Config, instance *fs.InstanceFile, auth *auth.Auth, flow LoginFlow, logger zerolog.Logger) *Connector {
	return &Connector{
		cfg:      cfg,
		instance: instance,
		auth:     auth,
		flow:     flow,
		logger:   logger,
	}
}

// Establish makes the session usable or fails the startup cycle. A stored
// refresh token is tried first; full login runs when no token is stored or
// the stored one is rejected. Configured credentials win over stored ones;
// a stored refresh token wins over a configured one since rotation makes
// the stored one the only live token.
func (c *Connector) Establish(ctx context.Context) error {
	inst, err := c.instance.Read()
	if nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		inst = &fs.Instance{Username: "", Password: "", RefreshToken: ""}
	}

	seed := map[string]any{}
	if c.cfg.Username != "" && c.cfg.Username != inst.Username {
		inst.Username = c.cfg.Username
		seed["username"] = c.cfg.Username
	}
	if c.cfg.Password != "" && c.cfg.Password != inst.Password {
		inst.Password = c.cfg.Password
		seed["password"] = c.cfg.Password
	}
	if inst.RefreshToken == "" && c.cfg.RefreshToken != "" {
		inst.RefreshToken = c.cfg.RefreshToken
		seed["refresh_token"] = c.cfg.RefreshToken
	}
	if len(seed) > 0 {
		if err := c.instance.Extend(seed); nil != err {
			return err
		}
	}

	if inst.RefreshToken != "" {
		c.auth.SetRefreshToken(inst.RefreshToken)
		err := c.auth.Refresh(ctx)
		if nil == err {
			c.logger.Info().Msg("Session established from the stored refresh token")
			return nil
		}
		if ctxErr := ctx.Err(); nil != ctxErr {
			return ctxErr
		}
		c.logger.
			Warn().
			Str("reason", err.Error()).
			Msg("Stored refresh token did not yield a session, falling back to full login")
	}

	if inst.Username == "" || inst.Password == "" {
		return flaw.From(errors.New("no usable refresh token and no credentials to run the login flow")).
			Append(flaw.P{"has_username": inst.Username != "", "has_password": inst.Password != ""})
	}

	pair, err := c.flow.Run(ctx, inst.Username, inst.Password)
	if nil != err {
		return err
	}
	c.auth.SetTokens(pair.AccessToken, pair.RefreshToken)
	if err := c.instance.SaveRefreshToken(pair.RefreshToken); nil != err {
		return err
	}
	c.logger.Info().Msg("Session established through the login flow")

	if c.cfg.ClearPassword {
		if err := c.instance.ClearPassword(); nil != err {
			return err
		}
		c.logger.Info().Msg("Cleared the stored password, the refresh token carries the session from here")
	}
	return nil
}

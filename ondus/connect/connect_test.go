package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/auth"
	"github.com/xeptore/ondusd/ondus/fs"
)

type fakeFlow struct {
	calls int
	user  string
	pass  string
	pair  *ondus.TokenPair
	err   error
}

func (f *fakeFlow) Run(_ context.Context, username, password string) (*ondus.TokenPair, error) {
	f.calls++
	f.user, f.pass = username, password
	if nil != f.err {
		return nil, f.err
	}
	return f.pair, nil
}

func refreshServer(t *testing.T, wantToken string, grant func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, wantToken, req.RefreshToken)
		grant(w)
	}))
	t.Cleanup(server.Close)
	return server
}

func grantPair(access, refresh string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + access + `","refresh_token":"` + refresh + `"}`))
	}
}

func rejectGrant(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token is not active"}`))
}

func connector(t *testing.T, cfg *config.Config, flow *fakeFlow) (*Connector, *fs.InstanceFile, *auth.Auth) {
	t.Helper()
	instance := fs.InstanceFileFrom(cfg.StateDir)
	a := auth.New(cfg, instance, zerolog.Nop())
	return New(cfg, instance, a, flow, zerolog.Nop()), instance, a
}

func TestEstablishUsesStoredRefreshToken(t *testing.T) {
	t.Parallel()

	server := refreshServer(t, "rt-stored", grantPair("acc-1", "rt-rotated"))
	cfg := &config.Config{ //nolint:exhaustruct
		StateDir:        t.TempDir(),
		RefreshMode:     config.RefreshModeStatic,
		RefreshEndpoint: server.URL,
	}
	flow := &fakeFlow{} //nolint:exhaustruct
	conn, instance, a := connector(t, cfg, flow)
	require.NoError(t, instance.SaveRefreshToken("rt-stored"))

	require.NoError(t, conn.Establish(context.Background()))
	require.Zero(t, flow.calls)
	require.Equal(t, "acc-1", a.AccessToken())

	c, err := instance.Read()
	require.NoError(t, err)
	require.Equal(t, "rt-rotated", c.RefreshToken)
}

func TestEstablishFallsBackToLoginWhenRefreshRejected(t *testing.T) {
	t.Parallel()

	server := refreshServer(t, "rt-dead", rejectGrant)
	cfg := &config.Config{ //nolint:exhaustruct
		StateDir:        t.TempDir(),
		Username:        "user-1",
		Password:        "pa55",
		RefreshMode:     config.RefreshModeStatic,
		RefreshEndpoint: server.URL,
	}
	flow := &fakeFlow{pair: &ondus.TokenPair{AccessToken: "acc-login", RefreshToken: "rt-login"}} //nolint:exhaustruct
	conn, instance, a := connector(t, cfg, flow)
	require.NoError(t, instance.SaveRefreshToken("rt-dead"))

	require.NoError(t, conn.Establish(context.Background()))
	require.Equal(t, 1, flow.calls)
	require.Equal(t, "user-1", flow.user)
	require.Equal(t, "pa55", flow.pass)
	require.Equal(t, "acc-login", a.AccessToken())

	c, err := instance.Read()
	require.NoError(t, err)
	require.Equal(t, "rt-login", c.RefreshToken)
	require.Equal(t, "pa55", c.Password)
}

func TestEstablishRunsLoginOnFirstBoot(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ //nolint:exhaustruct
		StateDir: t.TempDir(),
		Username: "user-1",
		Password: "pa55",
	}
	flow := &fakeFlow{pair: &ondus.TokenPair{AccessToken: "acc-login", RefreshToken: "rt-login"}} //nolint:exhaustruct
	conn, instance, _ := connector(t, cfg, flow)

	require.NoError(t, conn.Establish(context.Background()))
	require.Equal(t, 1, flow.calls)

	c, err := instance.Read()
	require.NoError(t, err)
	require.Equal(t, "user-1", c.Username)
	require.Equal(t, "pa55", c.Password)
	require.Equal(t, "rt-login", c.RefreshToken)
}

func TestEstablishClearsPasswordWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ //nolint:exhaustruct
		StateDir:      t.TempDir(),
		Username:      "user-1",
		Password:      "pa55",
		ClearPassword: true,
	}
	flow := &fakeFlow{pair: &ondus.TokenPair{AccessToken: "acc-login", RefreshToken: "rt-login"}} //nolint:exhaustruct
	conn, instance, _ := connector(t, cfg, flow)

	require.NoError(t, conn.Establish(context.Background()))

	c, err := instance.Read()
	require.NoError(t, err)
	require.Equal(t, "user-1", c.Username)
	require.Empty(t, c.Password)
	require.Equal(t, "rt-login", c.RefreshToken)
}

func TestEstablishSeedsConfiguredRefreshToken(t *testing.T) {
	t.Parallel()

	server := refreshServer(t, "rt-cfg", grantPair("acc-1", "rt-rotated"))
	cfg := &config.Config{ //nolint:exhaustruct
		StateDir:        t.TempDir(),
		RefreshToken:    "rt-cfg",
		RefreshMode:     config.RefreshModeStatic,
		RefreshEndpoint: server.URL,
	}
	flow := &fakeFlow{} //nolint:exhaustruct
	conn, instance, _ := connector(t, cfg, flow)

	require.NoError(t, conn.Establish(context.Background()))
	require.Zero(t, flow.calls)

	c, err := instance.Read()
	require.NoError(t, err)
	require.Equal(t, "rt-rotated", c.RefreshToken)
}

func TestEstablishFailsWithoutTokenOrCredentials(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{StateDir: t.TempDir()} //nolint:exhaustruct
	flow := &fakeFlow{}                          //nolint:exhaustruct
	conn, _, _ := connector(t, cfg, flow)

	require.Error(t, conn.Establish(context.Background()))
	require.Zero(t, flow.calls)
}

func TestEstablishSurfacesLoginFailure(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ //nolint:exhaustruct
		StateDir: t.TempDir(),
		Username: "user-1",
		Password: "wrong",
	}
	flow := &fakeFlow{err: ondus.NewAuthError(ondus.KindInvalidCredentials, "identity provider rejected the credentials")} //nolint:exhaustruct
	conn, _, _ := connector(t, cfg, flow)

	err := conn.Establish(context.Background())
	require.Error(t, err)
	require.True(t, ondus.IsKind(err, ondus.KindInvalidCredentials))
}

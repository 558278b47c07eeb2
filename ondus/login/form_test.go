package login

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustPageURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseFormIdentifiesFieldsAndInjectsCredentialID(t *testing.T) {
	t.Parallel()

	body := []byte(`<form action="/login"><input name="username"/><input name="password" type="password"/></form>`)
	form, err := parseForm(body, mustPageURL(t, "https://idp.example.com/auth/realms/idm/protocol/openid-connect/auth"))
	require.NoError(t, err)

	require.Equal(t, "username", form.UserField)
	require.Equal(t, "password", form.PassField)
	require.Equal(t, "https://idp.example.com/login", form.Action.String())
	require.True(t, form.Fields.Has("credentialId"))
	require.Empty(t, form.Fields.Get("credentialId"))
}

func TestParseFormDecodesActionEntitiesAndKeepsPrefilledInputs(t *testing.T) {
	t.Parallel()

	body := []byte(`
		<html><body>
		<form id="kc-form-login" action="https://idp.example.com/authenticate?session_code=abc&amp;execution=def&amp;tab_id=xyz" method="post">
			<input type="hidden" name="session_code" value="abc"/>
			<input type="text" name="username" value=""/>
			<input type="password" name="password"/>
		</form>
		</body></html>`)
	form, err := parseForm(body, mustPageURL(t, "https://idp.example.com/auth"))
	require.NoError(t, err)

	require.Equal(t, "https://idp.example.com/authenticate?session_code=abc&execution=def&tab_id=xyz", form.Action.String())
	require.Equal(t, "abc", form.Fields.Get("session_code"))
	require.Equal(t, "username", form.UserField)
	require.Equal(t, "password", form.PassField)
}

func TestParseFormUsernameFieldSelection(t *testing.T) {
	t.Parallel()

	pageURL := "https://idp.example.com/auth"
	tests := []struct {
		name      string
		body      string
		userField string
		passField string
	}{
		{
			name:      "username wins over the other candidates",
			body:      `<form action="/a"><input name="usernameOrEmail"/><input name="email"/><input name="username"/><input name="password" type="password"/></form>`,
			userField: "username",
			passField: "password",
		},
		{
			name:      "email wins over usernameOrEmail",
			body:      `<form action="/a"><input name="usernameOrEmail"/><input name="email" type="email"/><input name="pw" type="password"/></form>`,
			userField: "email",
			passField: "pw",
		},
		{
			name:      "usernameOrEmail stands alone",
			body:      `<form action="/a"><input name="usernameOrEmail"/><input name="password" type="password"/></form>`,
			userField: "usernameOrEmail",
			passField: "password",
		},
		{
			name:      "first text input without a known name",
			body:      `<form action="/a"><input type="hidden" name="tok" value="1"/><input type="text" name="login"/><input name="secret" type="password"/></form>`,
			userField: "login",
			passField: "secret",
		},
		{
			name:      "untyped input counts as text",
			body:      `<form action="/a"><input name="who"/><input name="secret" type="password"/></form>`,
			userField: "who",
			passField: "secret",
		},
		{
			name:      "defaults when the form renders no usable inputs",
			body:      `<form action="/a"><input type="hidden" name="tok" value="1"/></form>`,
			userField: "username",
			passField: "password",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			form, err := parseForm([]byte(tt.body), mustPageURL(t, pageURL))
			require.NoError(t, err)
			require.Equal(t, tt.userField, form.UserField)
			require.Equal(t, tt.passField, form.PassField)
			require.True(t, form.Fields.Has("credentialId"))
		})
	}
}

func TestParseFormPicksFirstForm(t *testing.T) {
	t.Parallel()

	body := []byte(`
		<form action="/first"><input name="username"/><input name="password" type="password"/></form>
		<form action="/second"><input name="other"/></form>`)
	form, err := parseForm(body, mustPageURL(t, "https://idp.example.com/auth"))
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.com/first", form.Action.String())
}

func TestParseFormRejectsActionlessForm(t *testing.T) {
	t.Parallel()

	body := []byte(`<form><input name="username"/></form>`)
	_, err := parseForm(body, mustPageURL(t, "https://idp.example.com/auth"))
	require.Error(t, err)
}

func TestParseFormRejectsFormlessPage(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body><p>Loading.</p></body></html>`)
	_, err := parseForm(body, mustPageURL(t, "https://idp.example.com/auth"))
	require.Error(t, err)
}

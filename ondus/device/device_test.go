package device

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/ondus/auth"
)

type memStore struct {
	mu     sync.Mutex
	tokens []string
}

func (s *memStore) SaveRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := &config.Config{ //nolint:exhaustruct
		BaseURL:         baseURL,
		Deployment:      config.DeploymentSense,
		RefreshMode:     config.RefreshModeStatic,
		RefreshEndpoint: baseURL + "/refresh",
	}
	a := auth.New(cfg, &memStore{}, zerolog.Nop()) //nolint:exhaustruct
	a.SetTokens("held-access", "held-refresh")
	return New(cfg, a, zerolog.Nop())
}

func TestListDecodesAppliances(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "Bearer held-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"appliance_id":"a-1","appliance_type":103,"name":"Sense kitchen","data_latest":{"measurement":{"temperature":21.5,"humidity":48}},"online":true},
			{"appliance_id":"a-2","appliance_type":104,"name":"Guard basement","data_latest":{}}
		]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	appliances, err := testClient(t, server.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, appliances, 2)

	require.Equal(t, "a-1", appliances[0].ID)
	require.Equal(t, 103, appliances[0].Type)
	require.Equal(t, "Sense kitchen", appliances[0].Name)
	require.NotNil(t, appliances[0].Online)
	require.True(t, *appliances[0].Online)
	require.JSONEq(t, `{"measurement":{"temperature":21.5,"humidity":48}}`, string(appliances[0].DataLatest))

	require.Equal(t, "a-2", appliances[1].ID)
	require.Nil(t, appliances[1].Online)
}

func TestListTranslatesThrottlingAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "plain 429",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "gateway 403 with throttling message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"Too Many Requests"}`))
			},
		},
		{
			name: "gateway 403 with limit message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"Limit Exceeded"}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := testClient(t, server.URL).List(context.Background())
			require.ErrorIs(t, err, ErrTooManyRequests)
		})
	}
}

func TestListFailsOnPlainForbidden(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<h1>Forbidden</h1>`))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).List(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTooManyRequests)
}

func TestSetValvePostsActionBody(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	err := testClient(t, server.URL).SetValve(context.Background(), "a-7", false)
	require.NoError(t, err)
	require.Equal(t, "/v1/devices/a-7/actions/valve", gotPath)

	var req struct {
		Open *bool `json:"open"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &req))
	require.NotNil(t, req.Open)
	require.False(t, *req.Open)
}

func TestDispensePostsActionBody(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	err := testClient(t, server.URL).Dispense(context.Background(), "a-9", 1, 200)
	require.NoError(t, err)
	require.Equal(t, "/v1/devices/a-9/actions/dispense", gotPath)
	require.JSONEq(t, `{"type":1,"amountMl":200}`, string(gotBody))
}

func TestActionsKeepAuthRetrySemantics(t *testing.T) {
	t.Parallel()

	var apiCalls, refreshCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"rotated-access"}`))
	})
	mux.HandleFunc("/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if r.Header.Get("Authorization") != "Bearer rotated-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	err := testClient(t, server.URL).SetValve(context.Background(), "a-1", true)
	require.NoError(t, err)
	require.Equal(t, 2, apiCalls)
	require.Equal(t, 1, refreshCalls)
}

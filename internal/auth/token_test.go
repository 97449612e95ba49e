package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCredentialsCachesToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "https://m2m.example.com/", r.PostForm.Get("audience"))
		assert.Equal(t, "scanner", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	provider, err := ClientCredentials(Options{
		TokenURL:     srv.URL,
		ClientID:     "scanner",
		ClientSecret: "secret",
		Audience:     "https://m2m.example.com/",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := provider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientCredentialsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"access_denied"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider, err := ClientCredentials(Options{TokenURL: srv.URL, ClientID: "scanner"})
	require.NoError(t, err)
	_, err = provider(context.Background())
	assert.Error(t, err)
}

func TestClientCredentialsRequiresSettings(t *testing.T) {
	_, err := ClientCredentials(Options{})
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

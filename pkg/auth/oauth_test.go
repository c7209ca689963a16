package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokenResponse(t *testing.T) {
	resp := map[string]interface{}{
		"access_token":  "test-access-token",
		"refresh_token": "test-refresh-token",
		"expires_in":    3600,
	}
	body, _ := json.Marshal(resp)

	cred, err := parseTokenResponse(body, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", cred.AccessToken)
	assert.Equal(t, "test-refresh-token", cred.RefreshToken)
	assert.Equal(t, "anthropic", cred.Provider)
	assert.Equal(t, "oauth", cred.AuthMethod)
	assert.False(t, cred.ExpiresAt.IsZero())
}

func TestParseTokenResponseNoAccessToken(t *testing.T) {
	_, err := parseTokenResponse([]byte(`{"refresh_token":"test"}`), "anthropic")
	assert.Error(t, err)
}

func TestRefreshAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/oauth/token", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "refreshed-access-token",
			"refresh_token": "refreshed-refresh-token",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	cfg := OAuthProviderConfig{Issuer: server.URL, TokenEndpoint: "/v1/oauth/token", ClientID: "test-client", Provider: "anthropic"}
	cred := &AuthCredential{AccessToken: "old", RefreshToken: "old-refresh", Provider: "anthropic", AuthMethod: "oauth"}

	refreshed, err := RefreshAccessToken(cred, cfg)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access-token", refreshed.AccessToken)
	assert.Equal(t, "refreshed-refresh-token", refreshed.RefreshToken)
}

func TestRefreshAccessTokenNoRefreshToken(t *testing.T) {
	cfg := AnthropicOAuthConfig()
	cred := &AuthCredential{AccessToken: "old", Provider: "anthropic", AuthMethod: "oauth"}
	_, err := RefreshAccessToken(cred, cfg)
	assert.Error(t, err)
}

func TestAnthropicOAuthConfig(t *testing.T) {
	cfg := AnthropicOAuthConfig()
	assert.Equal(t, "https://console.anthropic.com", cfg.Issuer)
	assert.Equal(t, "9d1c250a-e61b-44d9-88ed-5944d1962f5e", cfg.ClientID)
	assert.Equal(t, "/v1/oauth/token", cfg.TokenEndpoint)
	assert.Equal(t, "https://console.anthropic.com/v1/oauth/token", cfg.tokenEndpointURL())
}

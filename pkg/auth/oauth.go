// Package auth sources and refreshes the Anthropic OAuth credential the
// CLI subprocess provider and the Anthropic HTTP provider both need. Only
// the test file for this package was present in the retrieval pack (the
// implementation itself was not); the credential shape and refresh flow
// below are rebuilt from that test's expectations and from the Bearer
// middleware usage visible in pkg/providers/claude_provider.go, trimmed to
// what this gateway actually exercises — it never runs its own PKCE
// authorize-code dance (the `claude` CLI already owns interactive login),
// it only stores and refreshes the resulting token.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// AuthCredential is the persisted OAuth credential for one provider.
type AuthCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Provider     string    `json:"provider"`
	AuthMethod   string    `json:"auth_method"`
	AccountID    string    `json:"account_id,omitempty"`
}

// OAuthProviderConfig describes the token endpoint for a single provider.
type OAuthProviderConfig struct {
	Issuer        string
	ClientID      string
	TokenEndpoint string // defaults to "/oauth/token"
	Provider      string
}

func (c OAuthProviderConfig) tokenEndpointURL() string {
	ep := c.TokenEndpoint
	if ep == "" {
		ep = "/oauth/token"
	}
	return c.Issuer + ep
}

// AnthropicOAuthConfig is the fixed configuration for Claude.ai/Console OAuth.
func AnthropicOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:        "https://console.anthropic.com",
		ClientID:      "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		TokenEndpoint: "/v1/oauth/token",
		Provider:      "anthropic",
	}
}

func parseTokenResponse(body []byte, provider string) (*AuthCredential, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("auth: parsing token response: %w", err)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("auth: token response missing access_token")
	}
	return &AuthCredential{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second),
		Provider:     provider,
		AuthMethod:   "oauth",
	}, nil
}

// RefreshAccessToken exchanges cred's refresh token for a new access token.
func RefreshAccessToken(cred *AuthCredential, cfg OAuthProviderConfig) (*AuthCredential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("auth: no refresh token available for %s", cred.Provider)
	}

	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"client_id":     cfg.ClientID,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, cfg.tokenEndpointURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: refresh failed with status %d: %s", resp.StatusCode, buf.String())
	}

	return parseTokenResponse(buf.Bytes(), cred.Provider)
}

// credentialPath returns the on-disk location of the stored credential for
// provider, under the gateway's workspace root.
func credentialPath(workspace, provider string) string {
	return filepath.Join(workspace, "auth", provider+".json")
}

// GetCredential loads the stored credential for provider, refreshing it
// first if it is expired or within 60s of expiring.
func GetCredential(workspace, provider string, cfg OAuthProviderConfig) (*AuthCredential, error) {
	path := credentialPath(workspace, provider)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading stored credential for %s: %w", provider, err)
	}
	var cred AuthCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("auth: parsing stored credential for %s: %w", provider, err)
	}

	if time.Until(cred.ExpiresAt) > 60*time.Second {
		return &cred, nil
	}

	refreshed, err := RefreshAccessToken(&cred, cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: refreshing credential for %s: %w", provider, err)
	}
	if err := SaveCredential(workspace, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// SaveCredential persists cred under the gateway's workspace root.
func SaveCredential(workspace string, cred *AuthCredential) error {
	path := credentialPath(workspace, cred.Provider)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("auth: creating auth dir: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshaling credential: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("auth: writing credential: %w", err)
	}
	return nil
}

// BearerTransport is an http.RoundTripper that mirrors the `claude` CLI's
// own OAuth usage: it strips any x-api-key header, sets a Bearer
// Authorization header from cred, and tags the request with the CLI's
// user-agent and beta headers so the Anthropic API treats it the same way
// as the official CLI. Grounded on pkg/providers/claude_provider.go.
type BearerTransport struct {
	Base  http.RoundTripper
	Cred  *AuthCredential
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Del("x-api-key")
	req.Header.Set("Authorization", "Bearer "+t.Cred.AccessToken)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("User-Agent", "claude-cli/1.0 (external, cli)")
	q := req.URL.Query()
	q.Set("beta", "true")
	req.URL.RawQuery = q.Encode()
	return base.RoundTrip(req)
}

// Package ghapp mints short-lived GitHub App installation tokens for
// authenticating git operations against github.com remotes. Grounded on
// pkg/auth/auth.go's JWT-signing/installation-token-exchange code, kept
// almost verbatim since it's domain-agnostic HTTP+crypto; the caching
// wrapper is grounded on repository/auth.go's getGithubAppToken method,
// generalized from a *Repository receiver into a standalone Provider so
// it can be shared across the pull engine and objstore's network
// operations instead of living per-repository.
package ghapp

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// TokenRequestPermissions scopes the requested installation token to a
// set of repositories and permission levels.
type TokenRequestPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

// Token is a GitHub App installation access token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// renewBefore is how far ahead of expiry a cached token is considered
// stale and renewed.
const renewBefore = 10 * time.Minute

// apiBaseURL is overridden in tests to point at an httptest.Server.
var apiBaseURL = "https://api.github.com"

// Provider mints and caches GitHub App installation tokens, each scoped
// to the single repository it was requested for; the cache holds the
// most recently minted one. Safe for concurrent use.
type Provider struct {
	AppID          string
	InstallationID string
	PrivateKeyPath string
	HTTPClient     *http.Client

	mu         sync.Mutex
	cached     string
	cachedRepo string
	expiresAt  time.Time
}

// TokenFor returns a valid installation token scoped to repo, reusing the
// cached token if it has more than renewBefore left on its lifetime.
func (p *Provider) TokenFor(ctx context.Context, repo string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedRepo == repo && p.expiresAt.After(time.Now().UTC().Add(renewBefore)) {
		return p.cached, nil
	}

	perms := TokenRequestPermissions{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	}

	tok, err := InstallationToken(ctx, p.AppID, p.InstallationID, p.PrivateKeyPath, perms, p.httpClient())
	if err != nil {
		return "", err
	}

	p.cached = tok.Token
	p.cachedRepo = repo
	p.expiresAt = tok.ExpiresAt
	return p.cached, nil
}

func (p *Provider) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// InstallationToken exchanges a GitHub App's RSA private key for a
// short-lived installation access token via a self-signed RS256 JWT.
func InstallationToken(ctx context.Context, appID, installationID, privateKeyPath string, reqPerms TokenRequestPermissions, client *http.Client) (*Token, error) {
	privatePEMData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ghapp: read private key: %w", err)
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("ghapp: failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ghapp: parse private key: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, fmt.Errorf("ghapp: create signer: %w", err)
	}

	cl := jwt.Claims{
		Issuer:   appID,
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		Expiry:   jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, fmt.Errorf("ghapp: sign jwt: %w", err)
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, fmt.Errorf("ghapp: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", apiBaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ghapp: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ghapp: request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ghapp: installation token request status %d, body %q", resp.StatusCode, body)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("ghapp: decode token response: %w", err)
	}
	return &tok, nil
}

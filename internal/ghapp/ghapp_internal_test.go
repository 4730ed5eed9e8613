package ghapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestInstallationTokenParsesResponse(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Token{
			Token:     "ghs_faketoken",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}))
	defer server.Close()

	orig := apiBaseURL
	apiBaseURL = server.URL
	defer func() { apiBaseURL = orig }()

	tok, err := InstallationToken(context.Background(), "app-id", "install-id", writeTestKey(t),
		TokenRequestPermissions{Repositories: []string{"example/repo"}}, nil)
	if err != nil {
		t.Fatalf("installation token: %v", err)
	}
	if tok.Token != "ghs_faketoken" {
		t.Errorf("token = %q, want ghs_faketoken", tok.Token)
	}
	if len(gotAuth) < len("Bearer ") {
		t.Errorf("missing bearer header: %q", gotAuth)
	}
}

func TestInstallationTokenRejectsNonCreatedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer server.Close()

	orig := apiBaseURL
	apiBaseURL = server.URL
	defer func() { apiBaseURL = orig }()

	_, err := InstallationToken(context.Background(), "app-id", "install-id", writeTestKey(t),
		TokenRequestPermissions{}, nil)
	if err == nil {
		t.Fatalf("expected error for non-201 response")
	}
}

func TestProviderCachesTokenAcrossCalls(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Token{
			Token:     "ghs_cached",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}))
	defer server.Close()

	orig := apiBaseURL
	apiBaseURL = server.URL
	defer func() { apiBaseURL = orig }()

	p := &Provider{AppID: "app-id", InstallationID: "install-id", PrivateKeyPath: writeTestKey(t)}

	tok1, err := p.TokenFor(context.Background(), "example/repo")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	tok2, err := p.TokenFor(context.Background(), "example/repo")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("expected cached token, got %q then %q", tok1, tok2)
	}
	if calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

package pullengine

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchManifestParsesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Write([]byte(`{"/manifest/":{"version":1},"/a.git":{"fingerprint":"abc","modified":1}}`))
	}))
	defer srv.Close()

	result, err := FetchManifest(srv.Client(), srv.URL, time.Time{})
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if result.NotModified {
		t.Fatal("did not expect NotModified")
	}
	if result.Manifest == nil || result.Manifest.Entries["/a.git"] == nil {
		t.Fatalf("expected a parsed manifest with /a.git, got %+v", result.Manifest)
	}
}

func TestFetchManifestSendsIfModifiedSinceAndHandles304(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	mtime := time.Now().Add(-time.Hour)
	result, err := FetchManifest(srv.Client(), srv.URL, mtime)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if !result.NotModified {
		t.Fatal("expected NotModified")
	}
	if gotHeader == "" {
		t.Fatal("expected If-Modified-Since header to be sent")
	}
}

func TestFetchManifestSurfacesNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := FetchManifest(srv.Client(), srv.URL, time.Time{})
	if !errors.Is(err, ErrManifestFetchFailed) {
		t.Fatalf("expected ErrManifestFetchFailed, got %v", err)
	}
}

func TestFetchManifestSurfacesParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := FetchManifest(srv.Client(), srv.URL, time.Time{})
	if !errors.Is(err, ErrManifestParseFailed) {
		t.Fatalf("expected ErrManifestParseFailed, got %v", err)
	}
}

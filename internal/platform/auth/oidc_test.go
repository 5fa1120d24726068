package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discoveryServer(t *testing.T, doc map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOIDCProvider_Discovery(t *testing.T) {
	srv := discoveryServer(t, map[string]interface{}{
		"issuer":                                "https://idp.example.com",
		"jwks_uri":                              "https://idp.example.com/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})

	provider, err := NewOIDCProvider(srv.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSURI != "https://idp.example.com/keys" {
		t.Errorf("unexpected jwks_uri %q", provider.JWKSURI)
	}
	if !provider.SupportsAlg("RS256") || provider.SupportsAlg("HS256") {
		t.Error("unexpected algorithm support")
	}
}

func TestOIDCProvider_MissingJWKSURI(t *testing.T) {
	srv := discoveryServer(t, map[string]interface{}{"issuer": "https://idp.example.com"})
	if _, err := NewOIDCProvider(srv.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

func TestOIDCProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := NewOIDCProvider(srv.URL); err == nil {
		t.Fatal("expected error for 404 discovery endpoint")
	}
}

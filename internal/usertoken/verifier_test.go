package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{Issuer: "issuer-a", Audience: "aud-a"}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestNewVerifierRequiresIssuerAndAudience(t *testing.T) {
	if _, err := NewVerifier(Config{JWKSURL: "http://jwks", Audience: "aud-a"}); err == nil {
		t.Fatalf("expected missing issuer to fail")
	}
	if _, err := NewVerifier(Config{JWKSURL: "http://jwks", Issuer: "issuer-a"}); err == nil {
		t.Fatalf("expected missing audience to fail")
	}
}

func TestJWKSVerifyIdentityAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		resp := map[string]any{"keys": []map[string]string{toJWK(active, publicKeyByKid(active, key1.PublicKey, key2.PublicKey))}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	// First token uses kid-1.
	signed1 := signTestToken(t, key1, "kid-1", "user-a", "a@example.com")
	identity, err := v.Verify(signed1)
	if err != nil {
		t.Fatalf("verify token1: %v", err)
	}
	if identity.Subject != "user-a" || identity.Email != "a@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	// Rotate to kid-2; verifier should refresh JWKS on unknown kid and pass.
	active = "kid-2"
	signed2 := signTestToken(t, key2, "kid-2", "user-b", "b@example.com")
	identity, err = v.Verify(signed2)
	if err != nil {
		t.Fatalf("verify token2: %v", err)
	}
	if identity.Subject != "user-b" {
		t.Fatalf("unexpected subject after rotation: %s", identity.Subject)
	}
}

func TestJWKSRejectsFutureIssuedAt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": "issuer-a",
		"aud": "aud-a",
		"exp": jwt.NewNumericDate(now.Add(time.Minute)),
		"iat": jwt.NewNumericDate(now.Add(2 * time.Minute)),
		"nbf": jwt.NewNumericDate(now.Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := v.Verify(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestJWKSRejectsEmptySubject(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	signed := signTestToken(t, key, "kid-1", "", "a@example.com")
	if _, err := v.Verify(signed); err == nil {
		t.Fatalf("expected empty subject token to fail")
	}
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, kid, subject, email string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"iss":   "issuer-a",
		"aud":   "aud-a",
		"exp":   jwt.NewNumericDate(now.Add(time.Minute)),
		"iat":   jwt.NewNumericDate(now),
		"nbf":   jwt.NewNumericDate(now.Add(-time.Second)),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func publicKeyByKid(kid string, key1, key2 rsa.PublicKey) rsa.PublicKey {
	if kid == "kid-2" {
		return key2
	}
	return key1
}

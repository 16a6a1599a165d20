package integration

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

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "stepper-it-1"
	testIssuer   = "https://auth.test.stepper.dev"
	testAudience = "stepper-test"
)

// TestClaims is the caller identity carried by a test token.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
}

// tokenSpec is what a single token is minted with.
type tokenSpec struct {
	issuedAt time.Time
	ttl      time.Duration
	audience string
	key      *rsa.PrivateKey
	extra    jwt.MapClaims
}

// TokenOption adjusts a minted token.
type TokenOption func(*tokenSpec)

// ExpiredBy backdates the token so it expired d ago.
func ExpiredBy(d time.Duration) TokenOption {
	return func(s *tokenSpec) {
		s.issuedAt = time.Now().Add(-d - time.Hour)
		s.ttl = time.Hour
	}
}

// ForAudience overrides the aud claim.
func ForAudience(aud string) TokenOption {
	return func(s *tokenSpec) { s.audience = aud }
}

// SignedBy signs with key instead of the issuer's published key.
func SignedBy(key *rsa.PrivateKey) TokenOption {
	return func(s *tokenSpec) { s.key = key }
}

// WithClaim sets an additional claim.
func WithClaim(name string, value any) TokenOption {
	return func(s *tokenSpec) { s.extra[name] = value }
}

// tokenIssuer mints RS256 tokens and publishes its public key over a JWKS
// endpoint, the way an identity provider in front of stepperd would.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	return &tokenIssuer{key: key, jwks: srv}
}

// Mint returns a signed token for claims.
func (ti *tokenIssuer) Mint(claims TestClaims, opts ...TokenOption) string {
	ts := tokenSpec{
		issuedAt: time.Now(),
		ttl:      time.Hour,
		audience: testAudience,
		key:      ti.key,
		extra:    jwt.MapClaims{},
	}
	for _, opt := range opts {
		opt(&ts)
	}

	mc := jwt.MapClaims{
		"iss": testIssuer,
		"aud": ts.audience,
		"iat": jwt.NewNumericDate(ts.issuedAt),
		"exp": jwt.NewNumericDate(ts.issuedAt.Add(ts.ttl)),
		"sub": claims.SubjectID,
	}
	if claims.TenantID != "" {
		mc["tenant_id"] = claims.TenantID
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	for k, v := range ts.extra {
		mc[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ts.key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }

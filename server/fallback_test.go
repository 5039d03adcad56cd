package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signUpstreamToken builds an upstream-style token. The signing secret
// is irrelevant: the fallback path inspects claims without verifying
// the signature.
func signUpstreamToken(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString([]byte("upstream-secret"))
	require.NoError(t, err)
	return raw
}

func upstreamClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "auth0|abc123",
		"iss": issuer,
		"aud": "healthtrack-api",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

func TestFallbackVerifyFullFlow(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")

	cfg := FallbackConfig{
		Enabled:  true,
		Domain:   "127.0.0.1", // httptest issuers are loopback URLs
		Audience: "healthtrack-api",
	}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	claims := upstreamClaims(srv.URL)
	claims["email"] = "pat@example.com"
	claims["name"] = "Pat Example"
	raw := signUpstreamToken(t, "up-kid", claims)

	id, err := fv.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "auth0|abc123", id.UserID)
	assert.Equal(t, "pat@example.com", id.Email)
	assert.Equal(t, "Pat Example", id.Name)
	assert.Equal(t, SourceFederated, id.Source)
	assert.Contains(t, id.Roles, "user")
}

func TestFallbackVerifyExpired(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")
	cfg := FallbackConfig{Enabled: true, Domain: "127.0.0.1", Audience: "healthtrack-api"}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	claims := upstreamClaims(srv.URL)
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	raw := signUpstreamToken(t, "up-kid", claims)

	_, err := fv.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestFallbackVerifyIssuerDomainMismatch(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")
	cfg := FallbackConfig{Enabled: true, Domain: "tenant.eu.auth0.com", Audience: "healthtrack-api"}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	raw := signUpstreamToken(t, "up-kid", upstreamClaims(srv.URL))

	_, err := fv.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFallbackVerifyAudienceForms(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")
	cfg := FallbackConfig{Enabled: true, Domain: "127.0.0.1", Audience: "healthtrack-api"}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	// Array audience containing the expected value passes.
	claims := upstreamClaims(srv.URL)
	claims["aud"] = []string{"other-api", "healthtrack-api"}
	raw := signUpstreamToken(t, "up-kid", claims)
	_, err := fv.Verify(context.Background(), raw)
	assert.NoError(t, err)

	// Wrong audience fails.
	claims["aud"] = "somebody-else"
	raw = signUpstreamToken(t, "up-kid", claims)
	_, err = fv.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFallbackVerifyMissingKID(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")
	cfg := FallbackConfig{Enabled: true, Domain: "127.0.0.1", Audience: "healthtrack-api"}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	raw := signUpstreamToken(t, "", upstreamClaims(srv.URL))
	_, err := fv.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFallbackVerifyUnknownKID(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "up-kid")
	cfg := FallbackConfig{Enabled: true, Domain: "127.0.0.1", Audience: "healthtrack-api"}
	fv := NewFallbackVerifier(cfg, NewKeyCache(time.Hour, testLogger()), testLogger())

	raw := signUpstreamToken(t, "rotated-away", upstreamClaims(srv.URL))
	_, err := fv.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestExtractRolesStrategies(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   []string
	}{
		{
			name:   "plain roles array",
			claims: jwt.MapClaims{"roles": []any{"admin", "clinician"}},
			want:   []string{"admin", "clinician", "user"},
		},
		{
			name:   "namespaced roles claim",
			claims: jwt.MapClaims{"https://healthtrack.example/roles": []any{"admin"}},
			want:   []string{"admin", "user"},
		},
		{
			name:   "permissions array",
			claims: jwt.MapClaims{"permissions": []any{"read:records", "admin"}},
			want:   []string{"read:records", "admin", "user"},
		},
		{
			name:   "role-prefixed scopes",
			claims: jwt.MapClaims{"scope": "openid role:admin role_auditor profile"},
			want:   []string{"admin", "auditor", "user"},
		},
		{
			name:   "no role claims",
			claims: jwt.MapClaims{"sub": "x"},
			want:   []string{"user"},
		},
		{
			name: "duplicates collapse",
			claims: jwt.MapClaims{
				"roles":       []any{"admin"},
				"permissions": []any{"admin"},
				"scope":       "role:admin",
			},
			want: []string{"admin", "user"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ElementsMatch(t, tc.want, extractRoles(tc.claims))
		})
	}
}

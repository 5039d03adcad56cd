package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FallbackVerifier accepts bearer tokens issued directly by the
// upstream identity provider. It inspects claims only: expiry, issuer
// domain, and audience are checked, and the token's key ID must exist
// in the provider's published key set. The signature itself is not
// verified on this path; trust rests on the perimeter gateway that
// already validated the token. See DESIGN.md for the recorded
// decision.
type FallbackVerifier struct {
	domain   string
	audience string
	keys     *KeyCache
	logger   *slog.Logger
}

// NewFallbackVerifier constructs the verifier from config.
func NewFallbackVerifier(cfg FallbackConfig, keys *KeyCache, logger *slog.Logger) *FallbackVerifier {
	return &FallbackVerifier{
		domain:   cfg.Domain,
		audience: cfg.Audience,
		keys:     keys,
		logger:   logger,
	}
}

// Verify inspects an upstream-issued token and builds an identity from
// its claims.
func (fv *FallbackVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	if time.Now().After(exp.Time) {
		return nil, ErrTokenExpired
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, fmt.Errorf("%w: missing issuer", ErrInvalidToken)
	}
	if !strings.Contains(issuer, fv.domain) {
		return nil, fmt.Errorf("%w: issuer %q does not match provider domain", ErrInvalidToken, issuer)
	}

	if !audienceMatches(claims["aud"], fv.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrInvalidToken)
	}
	if _, err := fv.keys.KeyForKID(ctx, issuer, kid); err != nil {
		if errors.Is(err, ErrMissingKey) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	identity := &Identity{
		UserID: sub,
		Roles:  extractRoles(claims),
		Source: SourceFederated,
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if picture, ok := claims["picture"].(string); ok {
		identity.Picture = picture
	}

	fv.logger.Debug("fallback token accepted", "sub", sub, "issuer", issuer)
	return identity, nil
}

// audienceMatches handles both the string and array forms of the aud
// claim.
func audienceMatches(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expected {
				return true
			}
		}
	}
	return false
}

// extractRoles collects roles from the claim shapes upstream providers
// use: a plain roles array, namespaced custom claims ending in /roles,
// a permissions array, and role-prefixed scope entries. Every caller
// gets the base "user" role.
func extractRoles(claims jwt.MapClaims) []string {
	seen := make(map[string]bool)
	roles := []string{}

	add := func(role string) {
		role = strings.TrimSpace(role)
		if role != "" && !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}

	appendStrings := func(v any) {
		if list, ok := v.([]any); ok {
			for _, entry := range list {
				if s, ok := entry.(string); ok {
					add(s)
				}
			}
		}
	}

	if v, ok := claims["roles"]; ok {
		appendStrings(v)
	}

	for key, v := range claims {
		if strings.HasSuffix(key, "/roles") {
			appendStrings(v)
		}
	}

	if v, ok := claims["permissions"]; ok {
		appendStrings(v)
	}

	if scope, ok := claims["scope"].(string); ok {
		for _, entry := range strings.Fields(scope) {
			if role, found := strings.CutPrefix(entry, "role:"); found {
				add(role)
			} else if role, found := strings.CutPrefix(entry, "role_"); found {
				add(role)
			}
		}
	}

	add("user")
	return roles
}

// Package client provides token validation middleware for resource
// services that accept healthauthd session tokens. Validation is local:
// the service shares the HS256 signing secret with healthauthd.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Validation errors surfaced to middleware callers.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Secret is the shared HS256 signing secret.
	Secret string
	// Issuer the token must carry. Defaults to "healthtrack-api".
	Issuer string
	// Audience the token must carry. Defaults to "healthtrack-client".
	Audience string
	// Leeway applied to time-based claims. Optional.
	Leeway LeewayOption
}

// LeewayOption is implemented by jwt parser options; kept narrow so
// callers do not import jwt directly.
type LeewayOption = jwt.ParserOption

// Claims are the validated token claims attached to the request.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator validates healthauthd session tokens.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// New constructs a Validator.
func New(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("client: secret is required")
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "healthtrack-api"
	}
	audience := cfg.Audience
	if audience == "" {
		audience = "healthtrack-client"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	}
	if cfg.Leeway != nil {
		opts = append(opts, cfg.Leeway)
	}

	return &Validator{
		secret:   []byte(cfg.Secret),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Validate parses and validates a raw token string.
func (v *Validator) Validate(raw string) (*Claims, error) {
	tok, err := v.parser.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// RequireAuth wraps an http.Handler, rejecting requests without a
// valid bearer token. Validated claims are placed on the request
// context.
func (v *Validator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		claims, err := v.Validate(raw)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				unauthorized(w, "token expired")
				return
			}
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="healthtrack"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, message)
}

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type requestIDKey struct{}
type identityKey struct{}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			dur := time.Since(start)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", dur.Milliseconds(),
			}
			if id := IdentityFromContext(r.Context()); id != nil {
				attrs = append(attrs, "sub", id.UserID)
			}

			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics in handlers.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "path", r.URL.Path)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies configured CORS policy.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
	allowedOrigins := cfg.ClientOriginURLs

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware enforces HSTS on TLS connections.
func SecurityHeadersMiddleware(maxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security",
					fmt.Sprintf("max-age=%d; includeSubDomains", maxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth authenticates the request. Locally minted tokens are
// validated first; tokens that fail as outright invalid (not expired
// or revoked) are offered to the fallback verifier when one is
// configured.
func (a *App) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Config.Server.DevMode && a.Config.Server.BypassAuth {
			a.Logger.Warn("authentication bypass active", "path", r.URL.Path)
			id := &Identity{UserID: "debug-user", Roles: []string{"user", "admin"}, Source: SourceLocal}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
			return
		}

		raw := extractBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims, err := a.Tokens.Validate(raw)
		if err == nil {
			id := &Identity{UserID: claims.Subject, Roles: []string{"user"}, Source: SourceLocal}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
			return
		}

		switch {
		case errors.Is(err, ErrTokenExpired):
			NewAuthEvent(EventSessionExpired, "", false).WithResource(r.URL.Path).Emit(a.Logger)
			writeError(w, http.StatusUnauthorized, "unauthorized", "token expired")
			return
		case errors.Is(err, ErrTokenRevoked):
			NewAuthEvent(EventTokenValidation, "", false).WithResource(r.URL.Path).WithDetail("token revoked").Emit(a.Logger)
			writeError(w, http.StatusUnauthorized, "unauthorized", "token revoked")
			return
		}

		if a.Fallback != nil {
			id, fbErr := a.Fallback.Verify(r.Context(), raw)
			if fbErr == nil {
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}
			a.Logger.Debug("fallback verification failed", "error", fbErr)
		}

		NewAuthEvent(EventTokenValidation, "", false).WithResource(r.URL.Path).WithDetail("invalid token").Emit(a.Logger)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
	})
}

// RequireRoles authorizes an already authenticated request. The caller
// must hold at least one of the given roles.
func (a *App) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				a.Logger.Error("authorization check without identity", "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal_error", "authentication context missing")
				return
			}

			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			NewAuthEvent(EventAccessDenied, id.UserID, false).WithResource(r.URL.Path).Emit(a.Logger)
			writeJSONStatus(w, http.StatusForbidden, map[string]any{
				"error":          "forbidden",
				"message":        "insufficient permissions",
				"required_roles": roles,
			})
		})
	}
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func originAllowed(origin string, allowed []string) bool {
	for _, v := range allowed {
		if v == "*" || v == origin {
			return true
		}
	}
	return false
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

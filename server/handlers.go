package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Dev-mode demo credential. Real user storage is out of scope for this
// service; production deployments authenticate through the federated
// flow.
const (
	demoUsername = "testuser"
	demoPassword = "testpassword"
	demoUserID   = "test-user-123"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Tokens      *TokenService
	Revocations *RevocationList
	Flows       *FlowStore
	Keys        *KeyCache
	Federation  *Federation
	Fallback    *FallbackVerifier
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	revocations := NewRevocationList(cfg.Revocation, logger)

	tokens, err := NewTokenService(cfg, revocations, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Tokens:      tokens,
		Revocations: revocations,
		Flows:       NewFlowStore(cfg.Federation.FlowTimeout.Std(), logger),
	}

	if cfg.FederationEnabled() {
		federation, err := NewFederation(ctx, cfg.Federation, app.Flows, logger)
		if err != nil {
			return nil, fmt.Errorf("init federation: %w", err)
		}
		app.Federation = federation
	}

	if cfg.Fallback.Enabled {
		app.Keys = NewKeyCache(cfg.Fallback.KeyCacheTTL.Std(), logger)
		app.Fallback = NewFallbackVerifier(cfg.Fallback, app.Keys, logger)
	}

	return app, nil
}

// StartBackground launches the registry and flow-store sweepers.
func (a *App) StartBackground(stop <-chan struct{}) {
	a.Revocations.StartSweeper(stop)
	a.Flows.StartSweeper(stop)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed login payload")
		return
	}

	if req.Username != demoUsername || req.Password != demoPassword {
		NewAuthEvent(EventFailedLogin, req.Username, false).Emit(a.Logger)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	pair, err := a.Tokens.MintPair(demoUserID)
	if err != nil {
		a.Logger.Error("mint token pair", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mint tokens")
		return
	}

	NewAuthEvent(EventLogin, demoUserID, true).Emit(a.Logger)
	writeJSON(w, LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		UserID:       demoUserID,
	})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing refresh token")
		return
	}

	claims, err := a.Tokens.Validate(raw)
	if err != nil {
		NewAuthEvent(EventTokenRefresh, "", false).WithDetail(err.Error()).Emit(a.Logger)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid refresh token")
		return
	}

	access, err := a.Tokens.Mint(claims.Subject, AccessToken)
	if err != nil {
		a.Logger.Error("mint access token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mint token")
		return
	}

	NewAuthEvent(EventTokenRefresh, claims.Subject, true).Emit(a.Logger)
	writeJSON(w, RefreshResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.Tokens.AccessTTL().Seconds()),
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "authentication context missing")
		return
	}

	if err := a.Tokens.Revoke(id.UserID); err != nil {
		a.Logger.Error("revoke on logout", "sub", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke tokens")
		return
	}

	NewAuthEvent(EventLogout, id.UserID, true).Emit(a.Logger)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleFederatedStart(w http.ResponseWriter, r *http.Request) {
	if a.Federation == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "federated login not configured")
		return
	}
	writeJSON(w, map[string]string{"auth_url": a.Federation.Start()})
}

func (a *App) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	if a.Federation == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "federated login not configured")
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		detail := errCode
		if desc := q.Get("error_description"); desc != "" {
			detail = fmt.Sprintf("%s: %s", errCode, desc)
		}
		NewAuthEvent(EventFederatedCallback, "", false).WithDetail(detail).Emit(a.Logger)
		writeError(w, http.StatusUnauthorized, "unauthorized", detail)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing code or state")
		return
	}

	start := time.Now()
	identity, err := a.Federation.Callback(r.Context(), code, state)
	if err != nil {
		a.Logger.Warn("federated callback failed", "error", err)
		NewAuthEvent(EventFederatedCallback, "", false).WithDetail(err.Error()).Emit(a.Logger)
		writeError(w, http.StatusUnauthorized, "unauthorized", "federated login failed")
		return
	}

	pair, err := a.Tokens.MintPair(identity.UserID)
	if err != nil {
		a.Logger.Error("mint token pair", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mint tokens")
		return
	}

	NewAuthEvent(EventFederatedCallback, identity.UserID, true).WithDuration(time.Since(start)).Emit(a.Logger)
	writeJSON(w, LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		UserID:       identity.UserID,
	})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "authentication context missing")
		return
	}
	writeJSON(w, id)
}

func (a *App) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	if err := a.Tokens.Revoke(req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke tokens")
		return
	}

	actor := ""
	if id := IdentityFromContext(r.Context()); id != nil {
		actor = id.UserID
	}
	NewAuthEvent(EventTokenRevocation, req.UserID, true).WithDetail("revoked by "+actor).Emit(a.Logger)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONStatus(w, status, map[string]string{"error": code, "message": message})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const discoveryMaxTries = 3

// Federation drives the authorization-code + PKCE login flow against
// the configured upstream OIDC provider.
type Federation struct {
	issuer   string
	clientID string
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	provider *oidc.Provider
	store    *FlowStore
	logger   *slog.Logger
}

// federatedClaims is the subset of ID-token and userinfo claims the
// service consumes.
type federatedClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	Nonce             string `json:"nonce"`
	Azp               string `json:"azp"`
}

// NewFederation discovers the provider and prepares the flow
// controller. Discovery is retried with bounded backoff.
func NewFederation(ctx context.Context, cfg FederationConfig, store *FlowStore, logger *slog.Logger) (*Federation, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, cfg.Issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(discoveryMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("provider discovery retry", "issuer", cfg.Issuer, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Issuer, err)
	}

	oauthCfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}

	return &Federation{
		issuer:   cfg.Issuer,
		clientID: cfg.ClientID,
		oauth:    oauthCfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		provider: provider,
		store:    store,
		logger:   logger,
	}, nil
}

// Start creates a flow session and returns the provider authorization
// URL the client should be sent to.
func (f *Federation) Start() string {
	state := uuid.NewString()
	nonce := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	f.store.Save(FlowSession{
		ID:           uuid.NewString(),
		State:        state,
		PKCEVerifier: verifier,
		Nonce:        nonce,
		CreatedAt:    time.Now(),
	})

	authURL := f.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.S256ChallengeOption(verifier),
	)
	f.logger.Info("federated login started", "issuer", f.issuer)
	return authURL
}

// Callback completes the flow: consumes the single-use session,
// exchanges the code, verifies the ID token, and builds the identity.
// The code exchange is never retried.
func (f *Federation) Callback(ctx context.Context, code, state string) (*Identity, error) {
	sess, ok := f.store.Consume(state)
	if !ok {
		return nil, errors.New("unknown or expired login session")
	}

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(sess.PKCEVerifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("provider response missing id_token")
	}

	idToken, err := f.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims federatedClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}

	if idToken.Nonce != sess.Nonce {
		return nil, errors.New("nonce mismatch")
	}
	if claims.Azp != "" && claims.Azp != f.clientID {
		return nil, fmt.Errorf("authorized party mismatch: %s", claims.Azp)
	}
	if time.Now().After(idToken.Expiry) {
		return nil, errors.New("id_token expired")
	}
	if claims.Subject == "" {
		return nil, errors.New("id_token missing subject")
	}

	// Userinfo enrichment is best effort. The ID token already carries
	// enough to build the identity.
	if ui, err := f.provider.UserInfo(ctx, oauth2.StaticTokenSource(token)); err != nil {
		f.logger.Warn("userinfo fetch failed, using id_token claims", "error", err)
	} else {
		var enriched federatedClaims
		if err := ui.Claims(&enriched); err == nil {
			mergeClaims(&claims, enriched)
		}
	}

	f.logger.Info("federated login completed", "sub", claims.Subject, "issuer", f.issuer)
	return &Identity{
		UserID:  claims.Subject,
		Roles:   []string{"user"},
		Email:   claims.Email,
		Name:    displayName(claims),
		Picture: claims.Picture,
		Source:  SourceFederated,
	}, nil
}

func mergeClaims(base *federatedClaims, extra federatedClaims) {
	if extra.Email != "" {
		base.Email = extra.Email
	}
	if extra.Name != "" {
		base.Name = extra.Name
	}
	if extra.GivenName != "" {
		base.GivenName = extra.GivenName
	}
	if extra.FamilyName != "" {
		base.FamilyName = extra.FamilyName
	}
	if extra.PreferredUsername != "" {
		base.PreferredUsername = extra.PreferredUsername
	}
	if extra.Picture != "" {
		base.Picture = extra.Picture
	}
}

func displayName(c federatedClaims) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.GivenName != "" && c.FamilyName != "":
		return c.GivenName + " " + c.FamilyName
	case c.GivenName != "":
		return c.GivenName
	case c.FamilyName != "":
		return c.FamilyName
	default:
		return c.PreferredUsername
	}
}

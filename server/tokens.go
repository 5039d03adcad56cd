package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for the token codec, matched with errors.Is.
var (
	ErrConfig       = errors.New("token service misconfigured")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// TokenType selects the lifetime of a minted token.
type TokenType int

const (
	AccessToken TokenType = iota
	RefreshToken
)

// String returns the wire name of the token type.
func (t TokenType) String() string {
	if t == RefreshToken {
		return "refresh"
	}
	return "access"
}

// Claims is the claim set minted into session tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenPair bundles a freshly minted access and refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// TokenService mints, validates, and revokes HS256 session tokens.
type TokenService struct {
	secret      []byte
	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations *RevocationList
	logger      *slog.Logger
}

// NewTokenService constructs a TokenService from config.
func NewTokenService(cfg Config, revocations *RevocationList, logger *slog.Logger) (*TokenService, error) {
	if cfg.Tokens.Secret == "" {
		return nil, fmt.Errorf("%w: missing signing secret", ErrConfig)
	}
	return &TokenService{
		secret:      []byte(cfg.Tokens.Secret),
		issuer:      cfg.Tokens.Issuer,
		audience:    cfg.Tokens.Audience,
		accessTTL:   cfg.Tokens.AccessTTL.Std(),
		refreshTTL:  cfg.Tokens.RefreshTTL.Std(),
		revocations: revocations,
		logger:      logger,
	}, nil
}

// AccessTTL exposes the configured access-token lifetime.
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// Mint signs a token for subject with the lifetime of the given type.
func (ts *TokenService) Mint(subject string, typ TokenType) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	ttl := ts.accessTTL
	if typ == RefreshToken {
		ttl = ts.refreshTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    ts.issuer,
			Audience:  jwt.ClaimStrings{ts.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// MintPair mints a matching access and refresh token for subject.
func (ts *TokenService) MintPair(subject string) (TokenPair, error) {
	access, err := ts.Mint(subject, AccessToken)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := ts.Mint(subject, RefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
	}, nil
}

// Validate parses a minted token and checks signature, expiry, issuer,
// and the revocation registry.
func (ts *TokenService) Validate(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
	}
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return ts.secret, nil
	}, opts...)
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
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if ts.revocations.Contains(claims.Subject) {
		ts.logger.Warn("rejected revoked token", "sub", claims.Subject)
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Revoke invalidates all outstanding tokens for subject until the
// registry entry naturally expires.
func (ts *TokenService) Revoke(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	ts.revocations.Revoke(subject)
	ts.logger.Info("tokens revoked", "sub", subject)
	return nil
}

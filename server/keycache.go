package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v3"
)

// ErrMissingKey is returned when an issuer's key set lacks the
// requested key ID.
var ErrMissingKey = errors.New("signing key not found in provider key set")

const keyFetchMaxTries = 3

type cachedKeySet struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// KeyCache caches identity-provider JSON Web Key Sets per issuer.
type KeyCache struct {
	mu         sync.Mutex
	entries    map[string]cachedKeySet
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewKeyCache constructs a KeyCache with the given entry TTL.
func NewKeyCache(ttl time.Duration, logger *slog.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyCache{
		entries:    make(map[string]cachedKeySet),
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Keys returns the key set for issuer, fetching it when absent or
// stale. A stale set is served when a refresh fails.
func (kc *KeyCache) Keys(ctx context.Context, issuer string) (jose.JSONWebKeySet, error) {
	kc.mu.Lock()
	cached, ok := kc.entries[issuer]
	kc.mu.Unlock()

	if ok && time.Since(cached.fetchedAt) < kc.ttl {
		return cached.set, nil
	}

	set, err := kc.fetch(ctx, issuer)
	if err != nil {
		if ok {
			kc.logger.Warn("key set refresh failed, serving stale keys",
				"issuer", issuer, "fetched_at", cached.fetchedAt, "error", err)
			return cached.set, nil
		}
		return jose.JSONWebKeySet{}, err
	}

	kc.mu.Lock()
	kc.entries[issuer] = cachedKeySet{set: set, fetchedAt: time.Now()}
	kc.mu.Unlock()

	return set, nil
}

// KeyForKID resolves a key ID within the issuer's key set.
func (kc *KeyCache) KeyForKID(ctx context.Context, issuer, kid string) (*jose.JSONWebKey, error) {
	set, err := kc.Keys(ctx, issuer)
	if err != nil {
		return nil, err
	}
	matches := set.Key(kid)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: kid %q from %s", ErrMissingKey, kid, issuer)
	}
	return &matches[0], nil
}

func (kc *KeyCache) fetch(ctx context.Context, issuer string) (jose.JSONWebKeySet, error) {
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"

	operation := func() (jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return jose.JSONWebKeySet{}, backoff.Permanent(err)
		}
		resp, err := kc.httpClient.Do(req)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			return jose.JSONWebKeySet{}, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
		}

		var set jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
		}
		return set, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	set, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(keyFetchMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			kc.logger.Warn("jwks fetch retry", "issuer", issuer, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks for %s: %w", issuer, err)
	}
	return set, nil
}

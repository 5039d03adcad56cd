package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJWKSServer serves a single-key JWKS and counts fetches. The
// failing flag switches the endpoint to 500s.
func newJWKSServer(t *testing.T, kid string) (*httptest.Server, *atomic.Int64, *atomic.Bool) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	payload, err := json.Marshal(set)
	require.NoError(t, err)

	fetches := &atomic.Int64{}
	failing := &atomic.Bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, fetches, failing
}

func TestKeyCacheFetchAndLookup(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "kid-1")
	kc := NewKeyCache(time.Hour, testLogger())

	key, err := kc.KeyForKID(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", key.KeyID)
}

func TestKeyCacheMissingKID(t *testing.T) {
	srv, _, _ := newJWKSServer(t, "kid-1")
	kc := NewKeyCache(time.Hour, testLogger())

	_, err := kc.KeyForKID(context.Background(), srv.URL, "unknown-kid")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestKeyCacheServesFromCache(t *testing.T) {
	srv, fetches, _ := newJWKSServer(t, "kid-1")
	kc := NewKeyCache(time.Hour, testLogger())

	_, err := kc.Keys(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = kc.Keys(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int64(1), fetches.Load(), "second call must hit the cache")
}

func TestKeyCacheServesStaleOnFetchFailure(t *testing.T) {
	srv, _, failing := newJWKSServer(t, "kid-1")
	kc := NewKeyCache(time.Nanosecond, testLogger()) // every call refreshes

	set, err := kc.Keys(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	failing.Store(true)

	stale, err := kc.Keys(context.Background(), srv.URL)
	require.NoError(t, err, "stale keys must be served when refresh fails")
	assert.Equal(t, "kid-1", stale.Keys[0].KeyID)
}

func TestKeyCacheFailsWithoutStaleEntry(t *testing.T) {
	srv, fetches, failing := newJWKSServer(t, "kid-1")
	failing.Store(true)
	kc := NewKeyCache(time.Hour, testLogger())

	_, err := kc.Keys(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int64(keyFetchMaxTries), fetches.Load(), "fetch is retried a bounded number of times")
}

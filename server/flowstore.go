package server

import (
	"log/slog"
	"sync"
	"time"
)

// FlowSession holds the per-login state created when a federated flow
// starts, keyed by the CSRF state parameter.
type FlowSession struct {
	ID           string
	State        string
	PKCEVerifier string
	Nonce        string
	CreatedAt    time.Time
}

// FlowStore keeps in-flight federated login sessions. Sessions are
// single-use: Consume removes the entry it returns.
type FlowStore struct {
	mu       sync.Mutex
	sessions map[string]FlowSession
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFlowStore constructs a FlowStore with the given session timeout.
func NewFlowStore(timeout time.Duration, logger *slog.Logger) *FlowStore {
	if timeout <= 0 {
		timeout = DefaultFlowTimeout
	}
	return &FlowStore{
		sessions: make(map[string]FlowSession),
		timeout:  timeout,
		logger:   logger,
	}
}

// Save stores a flow session under its state value.
func (fs *FlowStore) Save(sess FlowSession) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sessions[sess.State] = sess
}

// Consume retrieves and removes the session for state. Expired
// sessions are dropped and reported as absent.
func (fs *FlowStore) Consume(state string) (FlowSession, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sess, ok := fs.sessions[state]
	if !ok {
		return FlowSession{}, false
	}
	delete(fs.sessions, state)

	if time.Since(sess.CreatedAt) > fs.timeout {
		fs.logger.Warn("federated login session expired", "session_id", sess.ID)
		return FlowSession{}, false
	}
	return sess, true
}

// Len returns the number of in-flight sessions.
func (fs *FlowStore) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.sessions)
}

// SweepExpired removes sessions older than the flow timeout.
func (fs *FlowStore) SweepExpired() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-fs.timeout)
	for state, sess := range fs.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(fs.sessions, state)
			removed++
		}
	}
	return removed
}

// StartSweeper launches the periodic cleanup of abandoned flows.
func (fs *FlowStore) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(DefaultFlowSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := fs.SweepExpired(); n > 0 {
					fs.logger.Debug("flow store sweep", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

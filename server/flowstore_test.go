package server

import (
	"testing"
	"time"
)

func newTestFlowStore(timeout time.Duration) *FlowStore {
	return NewFlowStore(timeout, testLogger())
}

func TestFlowStoreConsumeIsSingleUse(t *testing.T) {
	fs := newTestFlowStore(10 * time.Minute)

	fs.Save(FlowSession{
		ID:           "sess-1",
		State:        "state-1",
		PKCEVerifier: "verifier",
		Nonce:        "nonce",
		CreatedAt:    time.Now(),
	})

	sess, ok := fs.Consume("state-1")
	if !ok {
		t.Fatalf("expected session for state-1")
	}
	if sess.PKCEVerifier != "verifier" || sess.Nonce != "nonce" {
		t.Fatalf("unexpected session contents: %+v", sess)
	}

	if _, ok := fs.Consume("state-1"); ok {
		t.Fatalf("second consume of the same state must fail")
	}
}

func TestFlowStoreUnknownState(t *testing.T) {
	fs := newTestFlowStore(10 * time.Minute)
	if _, ok := fs.Consume("never-saved"); ok {
		t.Fatalf("unknown state must not resolve")
	}
}

func TestFlowStoreRejectsExpiredSession(t *testing.T) {
	fs := newTestFlowStore(time.Minute)

	fs.Save(FlowSession{
		ID:        "sess-1",
		State:     "state-1",
		CreatedAt: time.Now().Add(-2 * time.Minute),
	})

	if _, ok := fs.Consume("state-1"); ok {
		t.Fatalf("expired session must be rejected")
	}
	if fs.Len() != 0 {
		t.Fatalf("expired session must be removed on consume, have %d", fs.Len())
	}
}

func TestFlowStoreSweepExpired(t *testing.T) {
	fs := newTestFlowStore(time.Minute)

	fs.Save(FlowSession{State: "old", CreatedAt: time.Now().Add(-2 * time.Minute)})
	fs.Save(FlowSession{State: "fresh", CreatedAt: time.Now()})

	if n := fs.SweepExpired(); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if fs.Len() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", fs.Len())
	}
	if _, ok := fs.Consume("fresh"); !ok {
		t.Fatalf("fresh session must survive the sweep")
	}
}

package service

import (
	"testing"
)

func TestPushTokens(t *testing.T) {
	a := NewPushTokens("shared")
	b := NewPushTokens("shared")

	tok := a.Issue("t1")
	if tok == "" || tok != b.Issue("t1") {
		t.Fatal("replicas sharing a secret must derive the same token")
	}
	if tok == a.Issue("t2") {
		t.Fatal("tokens must differ per task")
	}
	if NewPushTokens("other").Issue("t1") == tok {
		t.Fatal("tokens must depend on the secret")
	}

	got, ok := a.Lookup("t1")
	if !ok || got != tok {
		t.Fatalf("Lookup = %q, %v", got, ok)
	}
	a.Revoke("t1")
	if !a.Revoked("t1") || a.Revoked("t2") {
		t.Fatal("only t1 should be revoked")
	}
	if got, ok := a.Lookup("t1"); !ok || got != tok {
		t.Fatal("a revoked task must still authenticate its callbacks")
	}
	if _, ok := a.Lookup(""); ok {
		t.Fatal("empty task id must not resolve")
	}
}

func TestPushTokensRandomSecret(t *testing.T) {
	if NewPushTokens("").Issue("t1") == NewPushTokens("").Issue("t1") {
		t.Fatal("an empty secret should be replaced with a random key")
	}
}

func TestPushTokensForgetOldRevocations(t *testing.T) {
	clock := newFakeClock()
	p := NewPushTokens("s")
	p.now = clock.Now

	p.Revoke("old")
	clock.Advance(revokedTTL)
	if p.Revoked("old") {
		t.Fatal("revocation should expire after the TTL")
	}

	p.Revoke("new")
	p.mu.Lock()
	n := len(p.revoked)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("expired revocations should be swept, %d remembered", n)
	}
	if !p.Revoked("new") {
		t.Fatal("fresh revocation must be kept")
	}
}

package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const pushTokenInfo = "switchboard push notification token v1:"

// revokedTTL is how long a revocation is remembered. Callbacks for a task
// that settled earlier still authenticate and hit the settled task.
const revokedTTL = time.Hour

// PushTokens derives per-task push notification tokens from one secret.
// Tokens are never stored: the secret and task id reproduce them, so every
// replica sharing the secret can verify any callback. Revoking a task marks
// its registration closed; its callbacks still authenticate so that a
// redelivered notification is answered as a no-op instead of an error.
type PushTokens struct {
	secret []byte
	now    func() time.Time

	mu        sync.Mutex
	revoked   map[string]time.Time
	lastSweep time.Time
}

// NewPushTokens creates a token source. An empty secret is replaced with a
// random one, which limits verification to this process.
func NewPushTokens(secret string) *PushTokens {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &PushTokens{secret: key, now: time.Now, revoked: make(map[string]time.Time)}
}

// Issue returns the token for taskID.
func (p *PushTokens) Issue(taskID string) string {
	r := hkdf.New(sha256.New, p.secret, nil, []byte(pushTokenInfo+taskID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 yields up to 8160 bytes; 32 cannot fail.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(out)
}

// Lookup returns the token a callback for taskID must present. ok is false
// only for an empty task id.
func (p *PushTokens) Lookup(taskID string) (token string, ok bool) {
	if taskID == "" {
		return "", false
	}
	return p.Issue(taskID), true
}

// Revoke closes the push registration of taskID.
func (p *PushTokens) Revoke(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.revoked[taskID] = now
	if now.Sub(p.lastSweep) < revokedTTL {
		return
	}
	for id, at := range p.revoked {
		if now.Sub(at) >= revokedTTL {
			delete(p.revoked, id)
		}
	}
	p.lastSweep = now
}

// Revoked reports whether the registration of taskID was closed within the
// last revokedTTL.
func (p *PushTokens) Revoked(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.revoked[taskID]
	return ok && p.now().Sub(at) < revokedTTL
}


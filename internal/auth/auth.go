// Package auth resolves inbound credentials to a principal. A request bears
// either an API key string or the process-configured admin token; the
// authenticator maps it to (user, key) when the key and its owning user are
// both active.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaygate/relaygate/internal/store"
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

const (
	keyPrefix    = "rg_"
	keyRandBytes = 32
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

// Surface distinguishes data-plane (proxy) calls from control-plane (admin
// UI) calls. WebLogin on a key is ignored for the proxy surface and required
// for the control plane.
type Surface int

const (
	SurfaceProxy Surface = iota
	SurfaceControl
)

// Typed resolution failures, mapped to HTTP statuses by the API layer.
var (
	ErrInvalidKey   = errors.New("invalid api key")
	ErrKeyExpired   = errors.New("api key expired")
	ErrKeyDisabled  = errors.New("api key disabled")
	ErrUserDisabled = errors.New("user disabled")
	ErrWebLoginOnly = errors.New("key not permitted for control plane")
)

// Principal is the resolved identity attached to a request.
type Principal struct {
	User  *store.User
	Key   *store.Key
	Admin bool // true for the configured admin token
}

type cachedMatch struct {
	keyID     string
	expiresAt time.Time
}

// Authenticator validates key strings against the store. A short TTL cache
// maps key string to key id so bcrypt runs once per key per window.
type Authenticator struct {
	store      store.Store
	adminToken string

	mu    sync.RWMutex
	cache map[string]cachedMatch

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates an Authenticator. adminToken may be empty, which disables the
// synthetic admin principal entirely.
func New(s store.Store, adminToken string) *Authenticator {
	return &Authenticator{
		store:      s,
		adminToken: adminToken,
		cache:      make(map[string]cachedMatch),
		nowFunc:    time.Now,
	}
}

// GenerateKey mints a plaintext key and its bcrypt hash. The plaintext is
// returned exactly once; only the hash is persisted.
func GenerateKey() (plaintext, hash, id string, err error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate random: %w", err)
	}
	plaintext = keyPrefix + hex.EncodeToString(raw)
	h, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return plaintext, string(h), hex.EncodeToString(raw[:8]), nil
}

// Resolve maps a bearer credential to a Principal for the given surface.
func (a *Authenticator) Resolve(ctx context.Context, credential string, surface Surface) (*Principal, error) {
	if credential == "" {
		return nil, ErrInvalidKey
	}
	if a.adminToken != "" && credential == a.adminToken {
		return &Principal{
			Admin: true,
			User:  &store.User{ID: "admin", Name: "admin", Role: store.RoleAdmin, Enabled: true},
		}, nil
	}

	key, err := a.matchKey(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := a.checkKeyActive(key); err != nil {
		return nil, err
	}
	if surface == SurfaceControl && !key.WebLogin {
		return nil, ErrWebLoginOnly
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.Enabled || user.DeletedAt != nil {
		return nil, ErrUserDisabled
	}
	return &Principal{User: user, Key: key}, nil
}

func (a *Authenticator) checkKeyActive(key *store.Key) error {
	if key.DeletedAt != nil || !key.Enabled {
		return ErrKeyDisabled
	}
	if key.ExpiresAt != nil && a.nowFunc().After(*key.ExpiresAt) {
		return ErrKeyExpired
	}
	return nil
}

// matchKey finds the key record for a plaintext credential, consulting the
// cache first and falling back to a bcrypt compare over all non-deleted keys.
// Disabled and expired keys still match here; checkKeyActive classifies the
// rejection so the caller can answer 403 instead of 401.
func (a *Authenticator) matchKey(ctx context.Context, credential string) (*store.Key, error) {
	a.mu.RLock()
	cached, ok := a.cache[credential]
	a.mu.RUnlock()
	if ok && a.nowFunc().Before(cached.expiresAt) {
		key, err := a.store.GetKey(ctx, cached.keyID)
		if err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
		if key != nil && key.DeletedAt == nil {
			return key, nil
		}
		// Cached id vanished; fall through to a full scan.
	}

	keys, err := a.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	digest := hashForBcrypt(credential)
	for i := range keys {
		k := &keys[i]
		if err := bcrypt.CompareHashAndPassword([]byte(k.SecretHash), digest); err != nil {
			continue
		}
		a.mu.Lock()
		a.cache[credential] = cachedMatch{keyID: k.ID, expiresAt: a.nowFunc().Add(cacheTTL)}
		a.mu.Unlock()
		return k, nil
	}
	return nil, ErrInvalidKey
}

// Invalidate drops any cache entries for the given key id, used after a key
// is disabled or deleted.
func (a *Authenticator) Invalidate(keyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cred, m := range a.cache {
		if m.keyID == keyID {
			delete(a.cache, cred)
		}
	}
}

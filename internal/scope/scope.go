// Package scope provides request-local deduplication scopes. Search tools
// use a scope to avoid returning the same hit twice across sub-calls of
// one logical request.
package scope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithScope attaches a fresh scope id to ctx.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, uuid.NewString())
}

// FromContext returns the scope id attached to ctx, or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Manager tracks content hashes seen per scope.
type Manager struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

var (
	global     *Manager
	globalOnce sync.Once
)

// Get returns the process-wide scope manager.
func Get() *Manager {
	globalOnce.Do(func() {
		global = NewManager()
	})
	return global
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{seen: make(map[string]map[string]struct{})}
}

// Hash returns the canonical content hash used for deduplication.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Seen records the hash under scopeID and reports whether it was already
// present. An empty scope id never deduplicates.
func (m *Manager) Seen(scopeID, hash string) bool {
	if scopeID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes, ok := m.seen[scopeID]
	if !ok {
		hashes = make(map[string]struct{})
		m.seen[scopeID] = hashes
	}
	if _, dup := hashes[hash]; dup {
		return true
	}
	hashes[hash] = struct{}{}
	return false
}

// Clear drops all hashes recorded under scopeID.
func (m *Manager) Clear(scopeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, scopeID)
}

package credstore

import (
	"context"
	"sync"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Memory is an in-process Store for tests and single-node setups with no
// database configured.
type Memory struct {
	mu       sync.RWMutex
	snaps    map[string]*types.CredentialSnapshot
	policies map[string]types.Policy
	tokens   map[string]string // token hash -> user id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		snaps:    make(map[string]*types.CredentialSnapshot),
		policies: make(map[string]types.Policy),
		tokens:   make(map[string]string),
	}
}

func (m *Memory) Snapshot(_ context.Context, userID string) (*types.CredentialSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[userID]
	if !ok {
		return nil, nil
	}
	// Copy so callers can never mutate the stored snapshot.
	out := *snap
	out.Cookies = make(map[string]string, len(snap.Cookies))
	for k, v := range snap.Cookies {
		out.Cookies[k] = v
	}
	return &out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap *types.CredentialSnapshot) error {
	cp := *snap
	cp.Cookies = make(map[string]string, len(snap.Cookies))
	for k, v := range snap.Cookies {
		cp.Cookies[k] = v
	}
	m.mu.Lock()
	m.snaps[snap.UserID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) DefaultPolicy(_ context.Context, userID string) (types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policies[userID], nil
}

func (m *Memory) SetDefaultPolicy(_ context.Context, userID string, p types.Policy) error {
	m.mu.Lock()
	m.policies[userID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) ResolveAgentToken(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[hashToken(token)], nil
}

// RegisterAgentToken associates a plaintext token with a user. Used by dev
// seeding and tests.
func (m *Memory) RegisterAgentToken(token, userID string) {
	m.mu.Lock()
	m.tokens[hashToken(token)] = userID
	m.mu.Unlock()
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

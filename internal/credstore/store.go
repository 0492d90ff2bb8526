// Package credstore persists the partial credential sets the gateway holds
// for its users, plus the agent tokens that authenticate delegate
// connections. The gateway reads snapshots, never writes them back; only
// the admin surface (fed by the external login flow) updates them.
package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Store is the credential store adapter.
//
// Snapshot and ResolveAgentToken return (nil, nil) and ("", nil)
// respectively when the row is simply absent; errors mean the store itself
// failed.
type Store interface {
	Snapshot(ctx context.Context, userID string) (*types.CredentialSnapshot, error)
	SaveSnapshot(ctx context.Context, snap *types.CredentialSnapshot) error

	// DefaultPolicy is the user's stored routing default, "" when unset.
	DefaultPolicy(ctx context.Context, userID string) (types.Policy, error)
	SetDefaultPolicy(ctx context.Context, userID string, p types.Policy) error

	// ResolveAgentToken maps a presented agent token to its user id.
	ResolveAgentToken(ctx context.Context, token string) (string, error)

	Ping(ctx context.Context) error
	Close()
}

// hashToken derives the stored form of an agent token. Tokens are never
// persisted in the clear.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

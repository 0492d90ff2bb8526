package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Postgres implements Store over a pgx pool. Schema lives in migrations/.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) Snapshot(ctx context.Context, userID string) (*types.CredentialSnapshot, error) {
	var (
		snap       types.CredentialSnapshot
		cookiesRaw []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT user_id, csrf_token, cookies, captured_at
		FROM credentials
		WHERE user_id = $1
	`, userID).Scan(&snap.UserID, &snap.CSRFToken, &cookiesRaw, &snap.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	if len(cookiesRaw) > 0 {
		if err := json.Unmarshal(cookiesRaw, &snap.Cookies); err != nil {
			return nil, fmt.Errorf("decode cookies for %s: %w", userID, err)
		}
	}
	return &snap, nil
}

func (s *Postgres) SaveSnapshot(ctx context.Context, snap *types.CredentialSnapshot) error {
	cookies, err := json.Marshal(snap.Cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	capturedAt := snap.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO credentials (user_id, csrf_token, cookies, captured_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET csrf_token = EXCLUDED.csrf_token,
		    cookies = EXCLUDED.cookies,
		    captured_at = EXCLUDED.captured_at,
		    updated_at = NOW()
	`, snap.UserID, snap.CSRFToken, cookies, capturedAt)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

func (s *Postgres) DefaultPolicy(ctx context.Context, userID string) (types.Policy, error) {
	var p string
	err := s.db.QueryRow(ctx, `
		SELECT default_policy FROM credentials WHERE user_id = $1
	`, userID).Scan(&p)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query default_policy: %w", err)
	}
	return types.Policy(p), nil
}

func (s *Postgres) SetDefaultPolicy(ctx context.Context, userID string, p types.Policy) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (user_id, default_policy)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET default_policy = EXCLUDED.default_policy, updated_at = NOW()
	`, userID, string(p))
	if err != nil {
		return fmt.Errorf("upsert default_policy: %w", err)
	}
	return nil
}

func (s *Postgres) ResolveAgentToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx, `
		SELECT user_id FROM agent_tokens
		WHERE token_hash = $1 AND NOT revoked
	`, hashToken(token)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query agent_tokens: %w", err)
	}

	// Update last_used_at asynchronously (fire-and-forget)
	hash := hashToken(token)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.db.Exec(bgCtx, `UPDATE agent_tokens SET last_used_at = NOW() WHERE token_hash = $1`, hash)
	}()

	return userID, nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Postgres) Close() { s.db.Close() }

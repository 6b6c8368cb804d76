// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store for widget config reads and verification records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and pings it.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetWidget reads the age verification settings of a consent widget.
// Returns ErrWidgetNotFound if the id is unknown.
func (s *PostgresStore) GetWidget(ctx context.Context, widgetID string) (*Widget, error) {
	var w Widget
	err := s.pool.QueryRow(ctx, `
		SELECT id, age_verification_enabled, age_threshold, verification_validity_days, allowed_origins
		FROM consent_widgets
		WHERE id = $1`,
		widgetID,
	).Scan(&w.ID, &w.AgeVerificationEnabled, &w.AgeThreshold, &w.ValidityDays, &w.AllowedOrigins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWidgetNotFound
		}
		return nil, fmt.Errorf("fetching widget: %w", err)
	}
	return &w, nil
}

// UpsertVerificationSession writes the session for (widget_id, visitor_id),
// replacing any earlier row for the same pair. The row id is kept on conflict.
func (s *PostgresStore) UpsertVerificationSession(ctx context.Context, vs VerificationSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_sessions
			(id, widget_id, visitor_id, status, verification_outcome, verified_age, verification_token, verified_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (widget_id, visitor_id) DO UPDATE SET
			status               = EXCLUDED.status,
			verification_outcome = EXCLUDED.verification_outcome,
			verified_age         = EXCLUDED.verified_age,
			verification_token   = EXCLUDED.verification_token,
			verified_at          = EXCLUDED.verified_at,
			expires_at           = EXCLUDED.expires_at,
			updated_at           = NOW()`,
		vs.ID, vs.WidgetID, vs.VisitorID, vs.Status, vs.Outcome, vs.VerifiedAge, vs.TokenDigest, vs.VerifiedAt, vs.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == "verification_sessions_token_key":
				return ErrTokenReused
			case pgErr.Code == "23514":
				return fmt.Errorf("%w: %s", ErrInvalidVerification, pgErr.ConstraintName)
			}
		}
		return fmt.Errorf("upserting verification session: %w", err)
	}
	return nil
}

// GetVerificationSession fetches the unexpired session for (widgetID, visitorID).
// Returns ErrNotVerified if none exists or it has expired.
func (s *PostgresStore) GetVerificationSession(ctx context.Context, widgetID, visitorID string) (*VerificationSession, error) {
	var vs VerificationSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, widget_id, visitor_id, status, verification_outcome, verified_age, verification_token, verified_at, expires_at
		FROM verification_sessions
		WHERE widget_id = $1 AND visitor_id = $2 AND expires_at > NOW()`,
		widgetID, visitorID,
	).Scan(&vs.ID, &vs.WidgetID, &vs.VisitorID, &vs.Status, &vs.Outcome, &vs.VerifiedAge, &vs.TokenDigest, &vs.VerifiedAt, &vs.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotVerified
		}
		return nil, fmt.Errorf("fetching verification session: %w", err)
	}
	return &vs, nil
}

// UpsertAccountVerification records the latest verification for an account.
func (s *PostgresStore) UpsertAccountVerification(ctx context.Context, av AccountVerification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_age_verifications (account_id, is_adult, age_threshold, verified_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			is_adult      = EXCLUDED.is_adult,
			age_threshold = EXCLUDED.age_threshold,
			verified_at   = EXCLUDED.verified_at,
			expires_at    = EXCLUDED.expires_at`,
		av.AccountID, av.IsAdult, av.AgeThreshold, av.VerifiedAt, av.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upserting account verification: %w", err)
	}
	return nil
}

// GetAccountVerification fetches the most recent verification for an account, expired or not.
// Returns ErrNotVerified if the account has never verified.
func (s *PostgresStore) GetAccountVerification(ctx context.Context, accountID uuid.UUID) (*AccountVerification, error) {
	var av AccountVerification
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, is_adult, age_threshold, verified_at, expires_at
		FROM account_age_verifications
		WHERE account_id = $1`,
		accountID,
	).Scan(&av.AccountID, &av.IsAdult, &av.AgeThreshold, &av.VerifiedAt, &av.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotVerified
		}
		return nil, fmt.Errorf("fetching account verification: %w", err)
	}
	return &av, nil
}

// GetSessionByTokenHash fetches an unexpired platform session by token hash.
// Returns pgx.ErrNoRows if not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, csrf_token, expires_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken, &sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CleanupExpiredVerifications deletes verification sessions that expired more than retention ago.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredVerifications(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM verification_sessions WHERE expires_at < $1",
		time.Now().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up verification sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

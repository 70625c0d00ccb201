package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
)

// ChallengeRepo defines the persistence operations for OTP challenges. Every
// state change is a compare-and-set against PENDING so that concurrent verify
// calls on one challenge yield exactly one success.
type ChallengeRepo interface {
	// Replace supersedes every PENDING challenge for the challenge's
	// (department, account, purpose) and inserts c, atomically.
	Replace(ctx context.Context, c *model.OtpChallenge) error
	Get(ctx context.Context, id uuid.UUID) (model.OtpChallenge, error)
	// RecordMismatch decrements attempts_remaining of a PENDING challenge and
	// flips it to EXHAUSTED at now when the budget reaches zero.
	RecordMismatch(ctx context.Context, id uuid.UUID, now time.Time) (model.OtpChallenge, error)
	// Consume moves a PENDING, unexpired challenge to CONSUMED.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) error
	// Expire moves a PENDING challenge to EXPIRED.
	Expire(ctx context.Context, id uuid.UUID, now time.Time) error
	CountRecent(ctx context.Context, department, accountNumber string, since time.Time) (int, error)
	// Purge deletes challenges that are terminal or expired before the given time.
	Purge(ctx context.Context, before time.Time) (int, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a PostgreSQL-backed ChallengeRepo
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

const challengeColumns = `id, session_id, department, account_number, purpose, code_hash, status,
	issued_at, expires_at, attempts_remaining, consumed_at`

// Replace uses an advisory lock per key to serialize concurrent issues; the
// partial unique index on PENDING rows backs the invariant.
func (r *challengeRepo) Replace(ctx context.Context, c *model.OtpChallenge) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	key := c.Department + "|" + c.AccountNumber + "|" + string(c.Purpose)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	// Expired rows are still PENDING until verified, so supersede them too.
	_, err = tx.ExecContext(ctx, `
		UPDATE otp_challenges
		SET status = 'SUPERSEDED', consumed_at = $4
		WHERE department = $1 AND account_number = $2 AND purpose = $3 AND status = 'PENDING'
	`, c.Department, c.AccountNumber, string(c.Purpose), c.IssuedAt)
	if err != nil {
		return fmt.Errorf("supersede challenges: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO otp_challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.SessionID, c.Department, c.AccountNumber, string(c.Purpose),
		hex.EncodeToString(c.CodeHash), string(c.Status), c.IssuedAt, c.ExpiresAt,
		c.AttemptsRemaining, c.ConsumedAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *challengeRepo) Get(ctx context.Context, id uuid.UUID) (model.OtpChallenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM otp_challenges WHERE id = $1`, id)
	c, err := scanChallenge(row)
	if err != nil {
		return model.OtpChallenge{}, err
	}
	return c, nil
}

func (r *challengeRepo) RecordMismatch(ctx context.Context, id uuid.UUID, now time.Time) (model.OtpChallenge, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE otp_challenges
		SET attempts_remaining = attempts_remaining - 1,
		    status = CASE WHEN attempts_remaining - 1 <= 0 THEN 'EXHAUSTED' ELSE status END,
		    consumed_at = CASE WHEN attempts_remaining - 1 <= 0 THEN $2::timestamptz ELSE consumed_at END
		WHERE id = $1 AND status = 'PENDING' AND attempts_remaining > 0
		RETURNING `+challengeColumns, id, now)
	c, err := scanChallenge(row)
	if errors.Is(err, ErrNotFound) {
		return model.OtpChallenge{}, r.missOrConflict(ctx, id)
	}
	return c, err
}

func (r *challengeRepo) Consume(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, id, `
		UPDATE otp_challenges SET status = 'CONSUMED', consumed_at = $2
		WHERE id = $1 AND status = 'PENDING' AND expires_at > $2
	`, now)
}

func (r *challengeRepo) Expire(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, id, `
		UPDATE otp_challenges SET status = 'EXPIRED', consumed_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, now)
}

func (r *challengeRepo) transition(ctx context.Context, id uuid.UUID, query string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict tells a lost compare-and-set apart from a missing row
func (r *challengeRepo) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM otp_challenges WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check challenge: %w", err)
	}
	if !exists {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("challenge %s: %w", id, ErrConflict)
}

// CountRecent returns the number of challenges issued for the account since the given time (for rate limiting).
func (r *challengeRepo) CountRecent(ctx context.Context, department, accountNumber string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM otp_challenges
		WHERE department = $1 AND account_number = $2 AND issued_at >= $3
	`, department, accountNumber, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent challenges: %w", err)
	}
	return count, nil
}

func (r *challengeRepo) Purge(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM otp_challenges
		WHERE (status <> 'PENDING' AND consumed_at < $1) OR expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge challenges: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (model.OtpChallenge, error) {
	var c model.OtpChallenge
	var purpose, status, hashHex string
	err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.Department,
		&c.AccountNumber,
		&purpose,
		&hashHex,
		&status,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.AttemptsRemaining,
		&c.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpChallenge{}, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return model.OtpChallenge{}, fmt.Errorf("scan challenge: %w", err)
	}
	c.Purpose = model.Purpose(purpose)
	c.Status = model.ChallengeStatus(status)
	c.CodeHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("decode code_hash: %w", err)
	}
	return c, nil
}

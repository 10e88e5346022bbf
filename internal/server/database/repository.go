package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrShareNotFound  = errors.New("share not found")
	ErrShareExpired   = errors.New("share expired")
	ErrShareExhausted = errors.New("share download limit reached")
	// ErrTokenConflict means the generated token already exists. The service
	// retries with a fresh token; this never reaches a client.
	ErrTokenConflict = errors.New("share token already exists")
)

const shareColumns = `id, filename, token, expires_at, max_downloads,
	download_count, password_hash, size_bytes, created_at`

// Repository provides CRUD and lifecycle operations for shares.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func scanShare(row pgx.Row) (*Share, error) {
	share := &Share{}
	err := row.Scan(
		&share.ID,
		&share.Filename,
		&share.Token,
		&share.ExpiresAt,
		&share.MaxDownloads,
		&share.DownloadCount,
		&share.PasswordHash,
		&share.SizeBytes,
		&share.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return share, nil
}

// Create inserts a new share record and fills in the assigned ID.
// Returns ErrTokenConflict when the token collides with an existing row.
func (r *Repository) Create(ctx context.Context, share *Share) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO shares (
			filename, token, expires_at, max_downloads,
			download_count, password_hash, size_bytes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		share.Filename,
		share.Token,
		share.ExpiresAt,
		share.MaxDownloads,
		share.DownloadCount,
		share.PasswordHash,
		share.SizeBytes,
		share.CreatedAt,
	).Scan(&share.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTokenConflict
		}
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetByToken retrieves a share by its public token.
func (r *Repository) GetByToken(ctx context.Context, token string) (*Share, error) {
	share, err := scanShare(r.db.Pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return share, nil
}

// ListActive returns all shares that have not yet expired.
func (r *Repository) ListActive(ctx context.Context, now time.Time) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE expires_at > $1 ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}
	return shares, rows.Err()
}

// Acquire is the download gate: it runs the expiry check, the cap check, the
// counter increment and the delete-on-last-download as one serialized
// read-modify-write. The row lock makes concurrent downloads of the same
// token linearizable, so a share with max_downloads = 1 can never be served
// twice.
func (r *Repository) Acquire(ctx context.Context, token string, now time.Time) (*Share, DownloadOutcome, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin download transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	share, err := scanShare(tx.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE token = $1 FOR UPDATE`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrShareNotFound
		}
		return nil, 0, fmt.Errorf("failed to lock share row: %w", err)
	}

	// Expiry wins over remaining quota and never mutates the record;
	// the sweeper reclaims expired rows on its own schedule.
	if !now.Before(share.ExpiresAt) {
		return nil, 0, ErrShareExpired
	}
	if share.Exhausted() {
		return nil, 0, ErrShareExhausted
	}

	if err := tx.QueryRow(ctx,
		`UPDATE shares SET download_count = download_count + 1 WHERE id = $1 RETURNING download_count`,
		share.ID,
	).Scan(&share.DownloadCount); err != nil {
		return nil, 0, fmt.Errorf("failed to increment download count: %w", err)
	}

	outcome := OutcomeContinuing
	if share.Exhausted() {
		// Delete in the same transaction so no concurrent request can
		// observe a stale, still-active record.
		if _, err := tx.Exec(ctx, `DELETE FROM shares WHERE id = $1`, share.ID); err != nil {
			return nil, 0, fmt.Errorf("failed to delete exhausted share: %w", err)
		}
		outcome = OutcomeLastDownload
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit download transaction: %w", err)
	}
	return share, outcome, nil
}

// DeleteByID removes a share record and returns it, so the caller can
// delete the backing file as well.
func (r *Repository) DeleteByID(ctx context.Context, id int64) (*Share, error) {
	share, err := scanShare(r.db.Pool.QueryRow(ctx,
		`DELETE FROM shares WHERE id = $1 RETURNING `+shareColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to delete share: %w", err)
	}
	return share, nil
}

// SweepExpiredOrExhausted deletes every share that is past its expiry or has
// already met its download cap, in a single pass, and returns the removed
// records so the caller can delete their files.
func (r *Repository) SweepExpiredOrExhausted(ctx context.Context, now time.Time) ([]*Share, error) {
	// expires_at <= now matches the download gate, which refuses a share the
	// instant its expiry is reached.
	rows, err := r.db.Pool.Query(ctx, `
		DELETE FROM shares
		WHERE expires_at <= $1
		   OR (max_downloads IS NOT NULL AND download_count >= max_downloads)
		RETURNING `+shareColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep shares: %w", err)
	}
	defer rows.Close()

	var swept []*Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swept share: %w", err)
		}
		swept = append(swept, share)
	}
	return swept, rows.Err()
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > NOW()),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size_bytes) FILTER (WHERE expires_at > NOW()), 0)
		FROM shares
	`).Scan(
		&stats.TotalShares,
		&stats.ActiveShares,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"linkdrop/internal/server/config"
	"linkdrop/internal/server/database"
	"linkdrop/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound         = errors.New("share not found")
	ErrExpired          = errors.New("share has expired")
	ErrLimitReached     = errors.New("download limit reached")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
)

// tokenRetries bounds the retry loop on token uniqueness conflicts. One
// collision is already astronomically unlikely; five in a row means the
// entropy source is broken.
const tokenRetries = 5

// Registry is the share registry as the service consumes it.
// *database.Repository implements it; tests substitute an in-memory fake.
type Registry interface {
	Create(ctx context.Context, share *database.Share) error
	GetByToken(ctx context.Context, token string) (*database.Share, error)
	ListActive(ctx context.Context, now time.Time) ([]*database.Share, error)
	Acquire(ctx context.Context, token string, now time.Time) (*database.Share, database.DownloadOutcome, error)
	DeleteByID(ctx context.Context, id int64) (*database.Share, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// UploadRequest carries one upload attempt into the pipeline.
type UploadRequest struct {
	UploadID       string // optional, client-chosen progress key
	Filename       string
	Data           io.Reader
	DeclaredSize   int64 // 0 when unknown in advance
	ExpirationDays int
	MaxDownloads   *int
	Password       string
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads *int      `json:"max_downloads"`
	UploadID     string    `json:"upload_id"`
	Size         int64     `json:"size"`
}

// ShareInfo is the metadata view of an active share.
type ShareInfo struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	MaxDownloads  *int      `json:"max_downloads"`
	DownloadCount int       `json:"download_count"`
	Size          int64     `json:"size"`
	HasPassword   bool      `json:"has_password"`
	CreatedAt     time.Time `json:"created_at"`
}

// ShareService contains the business logic for the share lifecycle:
// the upload pipeline and the download gate.
type ShareService struct {
	registry Registry
	store    storage.Store
	cfg      *config.Config
	progress *ProgressStore
}

// NewShareService creates a new share service.
func NewShareService(registry Registry, store storage.Store, cfg *config.Config, progress *ProgressStore) *ShareService {
	return &ShareService{
		registry: registry,
		store:    store,
		cfg:      cfg,
		progress: progress,
	}
}

// Upload streams an incoming file to storage under the configured size
// ceiling and creates the share record. No failure path leaves a partial
// file behind: the store removes it on stream errors and limit breaches,
// and a record-creation failure deletes the stored file before returning.
func (s *ShareService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	s.progress.Begin(uploadID, req.DeclaredSize)

	// Reject an honestly-declared oversize upload before reading any bytes.
	// The chunked counter below catches the dishonest ones.
	if req.DeclaredSize > s.cfg.MaxFileSize {
		s.progress.Fail(uploadID)
		return nil, ErrFileTooLarge
	}

	token, err := generateToken()
	if err != nil {
		s.progress.Fail(uploadID)
		return nil, fmt.Errorf("failed to generate share token: %w", err)
	}

	filename := sanitizeFilename(req.Filename)
	fileName := storage.FileName(token, filename)

	written, err := s.store.SaveLimited(fileName, req.Data, s.cfg.MaxFileSize, func(n int64) {
		s.progress.Update(uploadID, n)
	})
	if err != nil {
		s.progress.Fail(uploadID)
		if errors.Is(err, storage.ErrSizeLimitExceeded) {
			return nil, ErrFileTooLarge
		}
		slog.Error("upload stream failed", "upload_id", uploadID)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	var passwordHash *string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.store.Delete(fileName)
			s.progress.Fail(uploadID)
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	now := time.Now().UTC()
	share := &database.Share{
		Filename:     filename,
		Token:        token,
		ExpiresAt:    now.Add(time.Duration(req.ExpirationDays) * 24 * time.Hour),
		MaxDownloads: req.MaxDownloads,
		PasswordHash: passwordHash,
		SizeBytes:    written,
		CreatedAt:    now,
	}

	if err := s.createWithRetry(ctx, share); err != nil {
		s.store.Delete(storage.FileName(share.Token, share.Filename))
		s.progress.Fail(uploadID)
		return nil, fmt.Errorf("failed to create share record: %w", err)
	}

	s.progress.Complete(uploadID)

	slog.Info("share created",
		"id", share.ID,
		"filename", share.Filename,
		"size", written,
		"expires_at", share.ExpiresAt,
		"max_downloads", req.MaxDownloads,
	)

	return &UploadResult{
		Token:        share.Token,
		ExpiresAt:    share.ExpiresAt,
		MaxDownloads: share.MaxDownloads,
		UploadID:     uploadID,
		Size:         written,
	}, nil
}

// createWithRetry inserts the share, regenerating the token on the
// astronomically unlikely uniqueness conflict instead of surfacing it.
// The stored file is renamed to follow the fresh token.
func (s *ShareService) createWithRetry(ctx context.Context, share *database.Share) error {
	for attempt := 0; attempt < tokenRetries; attempt++ {
		err := s.registry.Create(ctx, share)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrTokenConflict) {
			return err
		}

		fresh, genErr := generateToken()
		if genErr != nil {
			return fmt.Errorf("failed to regenerate share token: %w", genErr)
		}
		oldName := storage.FileName(share.Token, share.Filename)
		newName := storage.FileName(fresh, share.Filename)
		if renameErr := s.store.Rename(oldName, newName); renameErr != nil {
			return fmt.Errorf("failed to move file after token conflict: %w", renameErr)
		}
		slog.Warn("share token collision, retrying", "attempt", attempt+1)
		share.Token = fresh
	}
	return database.ErrTokenConflict
}

// Download runs the download gate for a token. On success it returns the
// file path, the display filename, and, when this was the last permitted
// download, a cleanup callback. The caller must invoke cleanup after the
// response body has been fully written: the record is already deleted, so
// skipping the callback would orphan the file, and running it earlier would
// truncate the in-flight transfer.
func (s *ShareService) Download(ctx context.Context, token, password string) (path, filename string, cleanup func(), err error) {
	share, err := s.registry.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return "", "", nil, ErrNotFound
		}
		return "", "", nil, fmt.Errorf("failed to look up share: %w", err)
	}

	// Advisory pre-checks for clean error responses. The Acquire transaction
	// below re-validates both under the row lock.
	now := time.Now().UTC()
	if !now.Before(share.ExpiresAt) {
		return "", "", nil, ErrExpired
	}
	if share.Exhausted() {
		return "", "", nil, ErrLimitReached
	}

	if share.PasswordHash != nil {
		if password == "" {
			return "", "", nil, ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)) != nil {
			return "", "", nil, ErrInvalidPassword
		}
	}

	// Metadata and storage can desynchronize only via external interference.
	// Checked before the increment so the record stays untouched.
	fileName := storage.FileName(share.Token, share.Filename)
	path, err = s.store.GetPath(fileName)
	if err != nil {
		slog.Error("share file missing from storage", "id", share.ID)
		return "", "", nil, ErrNotFound
	}

	acquired, outcome, err := s.registry.Acquire(ctx, token, now)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrShareNotFound):
			return "", "", nil, ErrNotFound
		case errors.Is(err, database.ErrShareExpired):
			return "", "", nil, ErrExpired
		case errors.Is(err, database.ErrShareExhausted):
			return "", "", nil, ErrLimitReached
		}
		return "", "", nil, fmt.Errorf("failed to acquire download: %w", err)
	}

	if outcome == database.OutcomeLastDownload {
		id := acquired.ID
		cleanup = func() {
			if err := s.store.Delete(fileName); err != nil {
				slog.Error("failed to delete exhausted share file", "id", id)
			} else {
				slog.Info("share exhausted, file removed", "id", id)
			}
		}
	}

	return path, share.Filename, cleanup, nil
}

// List returns all currently active shares.
func (s *ShareService) List(ctx context.Context) ([]ShareInfo, error) {
	shares, err := s.registry.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}

	infos := make([]ShareInfo, 0, len(shares))
	for _, share := range shares {
		infos = append(infos, ShareInfo{
			ID:            share.ID,
			Filename:      share.Filename,
			Token:         share.Token,
			ExpiresAt:     share.ExpiresAt,
			MaxDownloads:  share.MaxDownloads,
			DownloadCount: share.DownloadCount,
			Size:          share.SizeBytes,
			HasPassword:   share.PasswordHash != nil,
			CreatedAt:     share.CreatedAt,
		})
	}
	return infos, nil
}

// Delete removes a share and its backing file by record ID.
func (s *ShareService) Delete(ctx context.Context, id int64) error {
	share, err := s.registry.DeleteByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete share: %w", err)
	}

	if err := s.store.Delete(storage.FileName(share.Token, share.Filename)); err != nil {
		// Record is gone either way; the orphaned file is logged, not fatal.
		slog.Error("failed to delete share file", "id", id)
	}

	slog.Info("share deleted", "id", id, "filename", share.Filename)
	return nil
}

// Progress returns the progress of an in-flight or recently finished upload.
func (s *ShareService) Progress(uploadID string) (Progress, error) {
	p, ok := s.progress.Get(uploadID)
	if !ok {
		return Progress{}, ErrNotFound
	}
	return p, nil
}

// Stats returns aggregate server statistics.
func (s *ShareService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.registry.GetStats(ctx)
}

// sanitizeFilename strips directory components and limits length, so the
// storage path never escapes the upload directory.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before filepath.Base, which is
	// platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) >= 255 {
			// A pathological extension longer than the cap itself; treat the
			// whole name as opaque rather than slicing past the front.
			name = name[:255]
		} else {
			name = name[:255-len(ext)] + ext
		}
	}

	if name == "" || name == "." || name == "/" {
		name = "file"
	}

	return name
}

package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"linkdrop/internal/server/config"
	"linkdrop/internal/server/database"
	"linkdrop/internal/server/storage"
)

// --- In-memory fakes. The real registry needs Postgres; the fake reproduces
// the gate's serialized read-modify-write under a mutex so the lifecycle
// semantics can be exercised here. ---

type fakeRegistry struct {
	mu        sync.Mutex
	nextID    int64
	shares    map[string]*database.Share // keyed by token
	conflicts int // Create returns ErrTokenConflict this many times first
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{shares: make(map[string]*database.Share)}
}

func (f *fakeRegistry) Create(_ context.Context, share *database.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return database.ErrTokenConflict
	}
	if _, exists := f.shares[share.Token]; exists {
		return database.ErrTokenConflict
	}
	f.nextID++
	share.ID = f.nextID
	cp := *share
	f.shares[share.Token] = &cp
	return nil
}

func (f *fakeRegistry) GetByToken(_ context.Context, token string) (*database.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	share, ok := f.shares[token]
	if !ok {
		return nil, database.ErrShareNotFound
	}
	cp := *share
	return &cp, nil
}

func (f *fakeRegistry) ListActive(_ context.Context, now time.Time) ([]*database.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Share
	for _, share := range f.shares {
		if share.ExpiresAt.After(now) {
			cp := *share
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Acquire(_ context.Context, token string, now time.Time) (*database.Share, database.DownloadOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	share, ok := f.shares[token]
	if !ok {
		return nil, 0, database.ErrShareNotFound
	}
	if !now.Before(share.ExpiresAt) {
		return nil, 0, database.ErrShareExpired
	}
	if share.Exhausted() {
		return nil, 0, database.ErrShareExhausted
	}

	share.DownloadCount++
	outcome := database.OutcomeContinuing
	if share.Exhausted() {
		delete(f.shares, token)
		outcome = database.OutcomeLastDownload
	}
	cp := *share
	return &cp, outcome, nil
}

func (f *fakeRegistry) DeleteByID(_ context.Context, id int64) (*database.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, share := range f.shares {
		if share.ID == id {
			delete(f.shares, token)
			cp := *share
			return &cp, nil
		}
	}
	return nil, database.ErrShareNotFound
}

func (f *fakeRegistry) GetStats(_ context.Context) (*database.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &database.Stats{}
	for _, share := range f.shares {
		stats.TotalShares++
		stats.TotalDownloads += int64(share.DownloadCount)
		stats.StorageUsed += share.SizeBytes
	}
	stats.ActiveShares = stats.TotalShares
	return stats, nil
}

type fakeStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string][]byte)}
}

func (f *fakeStore) SaveLimited(name string, data io.Reader, limit int64, progress func(int64)) (int64, error) {
	var buf bytes.Buffer
	var written int64
	chunk := make([]byte, 8)
	for {
		n, readErr := data.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			written += int64(n)
			if progress != nil {
				progress(written)
			}
			if limit > 0 && written > limit {
				return written, storage.ErrSizeLimitExceeded
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = buf.Bytes()
	return written, nil
}

func (f *fakeStore) GetPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[name]; !ok {
		return "", errors.New("file not found")
	}
	return "/fake/" + name, nil
}

func (f *fakeStore) Rename(oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[oldName]
	if !ok {
		return errors.New("file not found")
	}
	delete(f.files, oldName)
	f.files[newName] = data
	return nil
}

func (f *fakeStore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, name)
	return nil
}

func (f *fakeStore) EnsureDir() error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

func (f *fakeStore) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[name]
	return ok
}

// readerFunc lets tests fail if a reader is consumed at all.
type readerFunc func(p []byte) (int, error)

func (r readerFunc) Read(p []byte) (int, error) { return r(p) }

func newTestService() (*ShareService, *fakeRegistry, *fakeStore) {
	registry := newFakeRegistry()
	store := newFakeStore()
	cfg := &config.Config{MaxFileSize: 1024}
	progress := NewProgressStore(64, time.Minute)
	return NewShareService(registry, store, cfg, progress), registry, store
}

func seedShare(reg *fakeRegistry, store *fakeStore, token, filename string, expiresAt time.Time, maxDownloads *int, count int) *database.Share {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.nextID++
	share := &database.Share{
		ID:            reg.nextID,
		Filename:      filename,
		Token:         token,
		ExpiresAt:     expiresAt,
		MaxDownloads:  maxDownloads,
		DownloadCount: count,
		CreatedAt:     time.Now().UTC(),
	}
	reg.shares[token] = share
	store.mu.Lock()
	store.files[storage.FileName(token, filename)] = []byte("content")
	store.mu.Unlock()
	return share
}

func intPtr(n int) *int { return &n }

// --- Upload pipeline ---

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("creates share and stores file", func(t *testing.T) {
		svc, registry, store := newTestService()

		result, err := svc.Upload(ctx, UploadRequest{
			Filename:       "report.pdf",
			Data:           strings.NewReader("hello world"),
			DeclaredSize:   11,
			ExpirationDays: 2,
			MaxDownloads:   intPtr(3),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		share, err := registry.GetByToken(ctx, result.Token)
		if err != nil {
			t.Fatalf("record not created: %v", err)
		}
		if share.DownloadCount != 0 {
			t.Errorf("download count should start at 0, got %d", share.DownloadCount)
		}
		if share.SizeBytes != 11 {
			t.Errorf("expected size 11, got %d", share.SizeBytes)
		}
		if !store.has(storage.FileName(result.Token, "report.pdf")) {
			t.Error("file not stored under {token}-{filename}")
		}

		p, err := svc.Progress(result.UploadID)
		if err != nil {
			t.Fatalf("progress entry missing: %v", err)
		}
		if p.Status != StatusCompleted || p.Uploaded != p.Total {
			t.Errorf("unexpected progress state: %+v", p)
		}
	})

	t.Run("declared oversize fails before reading", func(t *testing.T) {
		svc, _, store := newTestService()

		_, err := svc.Upload(ctx, UploadRequest{
			UploadID:     "declared-big",
			Filename:     "big.bin",
			DeclaredSize: 2048, // over the 1024 ceiling
			Data: readerFunc(func(p []byte) (int, error) {
				t.Error("stream must not be read when the declared size is over the limit")
				return 0, io.EOF
			}),
			ExpirationDays: 1,
		})
		if !errors.Is(err, ErrFileTooLarge) {
			t.Fatalf("expected ErrFileTooLarge, got %v", err)
		}
		if store.count() != 0 {
			t.Error("no file should have been written")
		}

		p, _ := svc.Progress("declared-big")
		if p.Status != StatusFailed {
			t.Errorf("expected failed progress, got %s", p.Status)
		}
	})

	t.Run("stream over limit leaves no partial file", func(t *testing.T) {
		svc, _, store := newTestService()

		// Declared size of 0 simulates a missing length header.
		_, err := svc.Upload(ctx, UploadRequest{
			UploadID:       "sneaky",
			Filename:       "big.bin",
			Data:           bytes.NewReader(bytes.Repeat([]byte("x"), 2048)),
			DeclaredSize:   0,
			ExpirationDays: 1,
		})
		if !errors.Is(err, ErrFileTooLarge) {
			t.Fatalf("expected ErrFileTooLarge, got %v", err)
		}
		if store.count() != 0 {
			t.Error("partial file left behind after limit breach")
		}

		p, _ := svc.Progress("sneaky")
		if p.Status != StatusFailed {
			t.Errorf("expected failed progress, got %s", p.Status)
		}
	})

	t.Run("stream error leaves no partial file", func(t *testing.T) {
		svc, _, store := newTestService()

		broken := io.MultiReader(strings.NewReader("partial"), readerFunc(func(p []byte) (int, error) {
			return 0, errors.New("connection reset")
		}))
		_, err := svc.Upload(ctx, UploadRequest{
			UploadID:       "broken",
			Filename:       "doc.txt",
			Data:           broken,
			ExpirationDays: 1,
		})
		if err == nil {
			t.Fatal("expected error from broken stream")
		}
		if errors.Is(err, ErrFileTooLarge) {
			t.Fatal("stream error must not be reported as too large")
		}
		if store.count() != 0 {
			t.Error("partial file left behind after stream error")
		}
	})

	t.Run("retries on token conflict", func(t *testing.T) {
		svc, registry, store := newTestService()
		registry.conflicts = 2

		result, err := svc.Upload(ctx, UploadRequest{
			Filename:       "notes.txt",
			Data:           strings.NewReader("abc"),
			ExpirationDays: 1,
		})
		if err != nil {
			t.Fatalf("conflict should have been retried, got %v", err)
		}
		if _, err := registry.GetByToken(ctx, result.Token); err != nil {
			t.Fatalf("record not created after retries: %v", err)
		}
		if store.count() != 1 || !store.has(storage.FileName(result.Token, "notes.txt")) {
			t.Error("stored file should follow the final token")
		}
	})

	t.Run("concurrent uploads yield distinct tokens", func(t *testing.T) {
		svc, registry, _ := newTestService()

		const n = 20
		var wg sync.WaitGroup
		tokens := make([]string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := svc.Upload(ctx, UploadRequest{
					Filename:       "f.txt",
					Data:           strings.NewReader("x"),
					ExpirationDays: 1,
				})
				if err != nil {
					t.Errorf("upload %d failed: %v", i, err)
					return
				}
				tokens[i] = result.Token
			}(i)
		}
		wg.Wait()

		seen := make(map[string]bool)
		for _, token := range tokens {
			if token == "" {
				continue
			}
			if seen[token] {
				t.Fatalf("duplicate token issued: %s", token)
			}
			seen[token] = true
		}
		if len(registry.shares) != n {
			t.Errorf("expected %d records, got %d", n, len(registry.shares))
		}
	})
}

// --- Download gate ---

func TestDownload(t *testing.T) {
	ctx := context.Background()
	future := time.Now().UTC().Add(24 * time.Hour)

	t.Run("unknown token", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, _, _, err := svc.Download(ctx, "missing", "")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expired share never increments", func(t *testing.T) {
		svc, registry, store := newTestService()
		past := time.Now().UTC().Add(-time.Hour)
		seedShare(registry, store, "tok-expired", "a.txt", past, intPtr(5), 0)

		_, _, _, err := svc.Download(ctx, "tok-expired", "")
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}

		share := registry.shares["tok-expired"]
		if share.DownloadCount != 0 {
			t.Errorf("expired download must not mutate the counter, got %d", share.DownloadCount)
		}
		if !store.has(storage.FileName("tok-expired", "a.txt")) {
			t.Error("expired share's file must be left for the sweeper")
		}
	})

	t.Run("already exhausted", func(t *testing.T) {
		svc, registry, store := newTestService()
		seedShare(registry, store, "tok-done", "a.txt", future, intPtr(2), 2)

		_, _, _, err := svc.Download(ctx, "tok-done", "")
		if !errors.Is(err, ErrLimitReached) {
			t.Fatalf("expected ErrLimitReached, got %v", err)
		}
	})

	t.Run("missing file leaves record untouched", func(t *testing.T) {
		svc, registry, store := newTestService()
		seedShare(registry, store, "tok-nofile", "a.txt", future, intPtr(1), 0)
		store.Delete(storage.FileName("tok-nofile", "a.txt"))

		_, _, _, err := svc.Download(ctx, "tok-nofile", "")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if registry.shares["tok-nofile"].DownloadCount != 0 {
			t.Error("counter must not move when the file is missing")
		}
	})

	t.Run("counts and continues under the cap", func(t *testing.T) {
		svc, registry, store := newTestService()
		seedShare(registry, store, "tok-multi", "a.txt", future, intPtr(3), 0)

		path, filename, cleanup, err := svc.Download(ctx, "tok-multi", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path == "" || filename != "a.txt" {
			t.Errorf("unexpected path/filename: %q %q", path, filename)
		}
		if cleanup != nil {
			t.Error("no cleanup expected before the cap is reached")
		}
		if registry.shares["tok-multi"].DownloadCount != 1 {
			t.Errorf("expected count 1, got %d", registry.shares["tok-multi"].DownloadCount)
		}
	})

	t.Run("last download deletes record now, file after response", func(t *testing.T) {
		svc, registry, store := newTestService()
		seedShare(registry, store, "tok-last", "a.txt", future, intPtr(1), 0)
		fileName := storage.FileName("tok-last", "a.txt")

		_, _, cleanup, err := svc.Download(ctx, "tok-last", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cleanup == nil {
			t.Fatal("expected a cleanup callback on the last download")
		}

		if _, ok := registry.shares["tok-last"]; ok {
			t.Error("record should be deleted inside the gate transaction")
		}
		if !store.has(fileName) {
			t.Error("file must survive until the response has been written")
		}

		cleanup()
		if store.has(fileName) {
			t.Error("file should be gone after cleanup runs")
		}
	})

	t.Run("unlimited shares keep counting", func(t *testing.T) {
		svc, registry, store := newTestService()
		seedShare(registry, store, "tok-unlim", "a.txt", future, nil, 0)

		for i := 0; i < 5; i++ {
			_, _, cleanup, err := svc.Download(ctx, "tok-unlim", "")
			if err != nil {
				t.Fatalf("download %d failed: %v", i+1, err)
			}
			if cleanup != nil {
				t.Fatalf("download %d unexpectedly exhausted an unlimited share", i+1)
			}
		}
		if registry.shares["tok-unlim"].DownloadCount != 5 {
			t.Errorf("expected count 5, got %d", registry.shares["tok-unlim"].DownloadCount)
		}
	})

	t.Run("password protected", func(t *testing.T) {
		svc, registry, store := newTestService()
		share := seedShare(registry, store, "tok-pw", "a.txt", future, nil, 0)
		hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		h := string(hash)
		share.PasswordHash = &h

		if _, _, _, err := svc.Download(ctx, "tok-pw", ""); !errors.Is(err, ErrPasswordRequired) {
			t.Errorf("expected ErrPasswordRequired, got %v", err)
		}
		if _, _, _, err := svc.Download(ctx, "tok-pw", "wrong"); !errors.Is(err, ErrInvalidPassword) {
			t.Errorf("expected ErrInvalidPassword, got %v", err)
		}
		if _, _, _, err := svc.Download(ctx, "tok-pw", "secret"); err != nil {
			t.Errorf("correct password rejected: %v", err)
		}
		if registry.shares["tok-pw"].DownloadCount != 1 {
			t.Error("only the successful attempt should count")
		}
	})
}

func TestDownload_ConcurrentSingleUse(t *testing.T) {
	ctx := context.Background()
	svc, registry, store := newTestService()
	future := time.Now().UTC().Add(24 * time.Hour)
	seedShare(registry, store, "tok-race", "a.txt", future, intPtr(1), 0)
	fileName := storage.FileName("tok-race", "a.txt")

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	cleanups := make([]func(), attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, cleanup, err := svc.Download(ctx, "tok-race", "")
			results[i] = err
			cleanups[i] = cleanup
		}(i)
	}
	wg.Wait()

	var successes int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
			if cleanups[i] == nil {
				t.Error("winning download must receive the cleanup callback")
			} else {
				cleanups[i]()
			}
		case errors.Is(err, ErrLimitReached) || errors.Is(err, ErrNotFound):
			// Losers see either the exhausted record or, after the gate
			// deleted it, no record at all. Both deny the download.
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful download, got %d", successes)
	}
	if store.has(fileName) {
		t.Error("file must be gone once the single permitted download completed")
	}
	if _, ok := registry.shares["tok-race"]; ok {
		t.Error("record must be gone")
	}
}

// --- Management operations ---

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, registry, store := newTestService()
	now := time.Now().UTC()

	seedShare(registry, store, "tok-live", "live.txt", now.Add(time.Hour), nil, 0)
	seedShare(registry, store, "tok-old", "old.txt", now.Add(-time.Hour), nil, 0)

	t.Run("list excludes expired", func(t *testing.T) {
		infos, err := svc.List(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(infos) != 1 || infos[0].Token != "tok-live" {
			t.Errorf("expected only the live share, got %+v", infos)
		}
	})

	t.Run("delete removes record and file", func(t *testing.T) {
		id := registry.shares["tok-live"].ID
		if err := svc.Delete(ctx, id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := registry.shares["tok-live"]; ok {
			t.Error("record should be gone")
		}
		if store.has(storage.FileName("tok-live", "live.txt")) {
			t.Error("file should be gone")
		}
	})

	t.Run("delete unknown id", func(t *testing.T) {
		if err := svc.Delete(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

// --- Filename sanitization ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "photo.jpg", "photo.jpg"},
		{"strips directory", "/path/to/photo.jpg", "photo.jpg"},
		{"strips windows path", "C:\\Users\\test\\photo.jpg", "photo.jpg"},
		{"strips traversal", "../../etc/passwd", "passwd"},
		{"empty name", "", "file"},
		{"dot name", ".", "file"},
		{"replaces slashes", "a/b/c.txt", "c.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}

	t.Run("long name keeps extension", func(t *testing.T) {
		result := sanitizeFilename(strings.Repeat("b", 300) + ".txt")
		if len(result) > 255 {
			t.Errorf("expected at most 255 bytes, got %d", len(result))
		}
		if !strings.HasSuffix(result, ".txt") {
			t.Errorf("expected .txt suffix, got %q", result[len(result)-8:])
		}
	})

	t.Run("oversize extension is truncated, not panicked on", func(t *testing.T) {
		// The multipart filename header is attacker-controlled; an extension
		// longer than the cap itself must degrade to plain truncation.
		result := sanitizeFilename("a." + strings.Repeat("x", 300))
		if len(result) != 255 {
			t.Errorf("expected 255 bytes, got %d", len(result))
		}
	})

	t.Run("extension exactly at the cap", func(t *testing.T) {
		result := sanitizeFilename("ab." + strings.Repeat("x", 252)) // 253-byte extension, 257 total
		if len(result) > 255 {
			t.Errorf("expected at most 255 bytes, got %d", len(result))
		}
	})
}

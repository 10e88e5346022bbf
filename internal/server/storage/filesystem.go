package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// chunkSize is the unit of upload streaming; the size counter and progress
// callback advance once per chunk.
const chunkSize = 1 << 20 // 1 MiB

// ErrSizeLimitExceeded is returned by SaveLimited when the stream grows past
// the configured ceiling. The partial file is already gone by then.
var ErrSizeLimitExceeded = errors.New("upload exceeds maximum allowed size")

// FileName builds the storage name for a share. The token is globally unique,
// so names never collide across shares even for identical filenames.
func FileName(token, filename string) string {
	return token + "-" + filename
}

// Store defines the interface for file storage backends.
// This allows swapping filesystem for S3 or other backends later.
type Store interface {
	SaveLimited(name string, data io.Reader, limit int64, progress func(written int64)) (int64, error)
	GetPath(name string) (string, error)
	Rename(oldName, newName string) error
	Delete(name string) error
	EnsureDir() error
}

// FileSystemStore stores uploaded files on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// SaveLimited streams data to disk in fixed-size chunks, reporting the
// running byte count through progress after each chunk. The counter is
// checked against limit on every chunk, so a missing or lied-about length
// header cannot push a file past the ceiling. Any failure, including a
// breached limit, removes the partial file before the error returns.
func (fs *FileSystemStore) SaveLimited(name string, data io.Reader, limit int64, progress func(written int64)) (int64, error) {
	filePath := fs.filePath(name)

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := data.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				fs.discard(file, filePath)
				return written, fmt.Errorf("failed to write file: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
			if limit > 0 && written > limit {
				fs.discard(file, filePath)
				return written, ErrSizeLimitExceeded
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			fs.discard(file, filePath)
			return written, fmt.Errorf("failed to read upload stream: %w", readErr)
		}
	}

	if err := file.Close(); err != nil {
		os.Remove(filePath)
		return written, fmt.Errorf("failed to finalize file: %w", err)
	}
	return written, nil
}

// GetPath returns the absolute path to a stored file.
// Returns an error if the file does not exist.
func (fs *FileSystemStore) GetPath(name string) (string, error) {
	filePath := fs.filePath(name)

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", name)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	return filePath, nil
}

// Rename moves a stored file to a new name. Used when a share token has to
// be regenerated after a uniqueness conflict.
func (fs *FileSystemStore) Rename(oldName, newName string) error {
	if err := os.Rename(fs.filePath(oldName), fs.filePath(newName)); err != nil {
		return fmt.Errorf("failed to rename stored file: %w", err)
	}
	return nil
}

// Delete removes a stored file. Deleting a missing file is not an error, so
// the sweeper and the download gate's deferred deletion can race benignly.
func (fs *FileSystemStore) Delete(name string) error {
	filePath := fs.filePath(name)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) discard(file *os.File, filePath string) {
	file.Close()
	os.Remove(filePath)
}

func (fs *FileSystemStore) filePath(name string) string {
	return filepath.Join(fs.basePath, name)
}

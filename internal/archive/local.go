package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidPath indicates an object path escaping the store root.
var ErrInvalidPath = errors.New("invalid object path")

// LocalStore implements BlobStore on the local filesystem.
// Signed URLs are plain file:// URLs; expiry is not enforced.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a filesystem blob store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStore{basePath: abs}, nil
}

// List returns the regular files directly under dir.
func (l *LocalStore) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := l.fullPath(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrListFailed, dir, err)
	}

	objects := make([]ObjectInfo, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrListFailed, dir, err)
		}

		objects = append(objects, ObjectInfo{Name: entry.Name(), Size: info.Size()})
	}

	return objects, nil
}

// Download reads the whole file.
func (l *LocalStore) Download(ctx context.Context, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := l.fullPath(objectPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, objectPath, err)
	}

	return data, nil
}

// SignedURL returns a file:// URL for the object.
func (l *LocalStore) SignedURL(ctx context.Context, objectPath string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := l.fullPath(objectPath)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
		}

		return "", fmt.Errorf("%w: %s: %w", ErrSignFailed, objectPath, err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}

	return u.String(), nil
}

// Remove deletes the file.
func (l *LocalStore) Remove(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w: %s", ErrRemoveFailed, ErrObjectNotFound, objectPath)
		}

		return fmt.Errorf("%w: %s: %w", ErrRemoveFailed, objectPath, err)
	}

	return nil
}

// Put writes data to objectPath, creating parent directories.
// Used by the operator CLI and tests to stage archives.
func (l *LocalStore) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	return os.WriteFile(full, data, 0o600)
}

func (l *LocalStore) fullPath(objectPath string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(objectPath))
	if full != l.basePath && !strings.HasPrefix(full, l.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, objectPath)
	}

	return full, nil
}

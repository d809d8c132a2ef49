package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalBackend implements Backend using the local filesystem.
type LocalBackend struct {
	basePath string
}

// NewLocal creates a filesystem backend rooted at basePath, creating the
// directory if needed.
func NewLocal(basePath string) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, &Error{Op: "NewLocal", Err: fmt.Errorf("invalid path: %w", err)}
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, &Error{Op: "NewLocal", Err: fmt.Errorf("create directory: %w", err)}
	}
	return &LocalBackend{basePath: absPath}, nil
}

// validateKey rejects keys that would escape the base directory.
func (b *LocalBackend) validateKey(key string) error {
	if key == "" || strings.ContainsRune(key, 0) || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return &Error{Op: "validateKey", Key: key, Err: ErrInvalidKey}
	}
	return nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

// Exists checks if an object exists at the given key.
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := b.validateKey(key); err != nil {
		return false, err
	}

	_, err := os.Stat(b.fullPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &Error{Op: "Exists", Key: key, Err: err}
}

// Reader returns a reader for the object content.
func (b *LocalBackend) Reader(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error) {
	if err := b.validateKey(key); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &Error{Op: "Reader", Key: key, Err: ErrNotFound}
		}
		return nil, nil, &Error{Op: "Reader", Key: key, Err: err}
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, &Error{Op: "Reader", Key: key, Err: err}
	}
	if stat.IsDir() {
		f.Close()
		return nil, nil, &Error{Op: "Reader", Key: key, Err: ErrNotFound}
	}

	return f, &FileInfo{Key: key, Size: stat.Size(), ModTime: stat.ModTime()}, nil
}

// Write stores content at the given key. The object appears atomically.
func (b *LocalBackend) Write(ctx context.Context, key string, content io.Reader, contentType string) (*FileInfo, error) {
	if err := b.validateKey(key); err != nil {
		return nil, err
	}

	path := b.fullPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("create directory: %w", err)}
	}

	tmpFile, err := os.CreateTemp(dir, ".segment-*")
	if err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	h := md5.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, h), content)
	if err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("write content: %w", err)}
	}
	if err := tmpFile.Close(); err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("close temp file: %w", err)}
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("rename to final: %w", err)}
	}

	return &FileInfo{
		Key:     key,
		Size:    written,
		ETag:    hex.EncodeToString(h.Sum(nil)),
		ModTime: time.Now(),
	}, nil
}

// List returns objects with the given prefix.
func (b *LocalBackend) List(ctx context.Context, prefix string, limit int, cursor string) ([]FileInfo, string, error) {
	if limit <= 0 {
		limit = 1000
	}

	var files []FileInfo
	err := filepath.Walk(b.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".segment-") {
			return nil
		}

		relPath, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) || (cursor != "" && key <= cursor) {
			return nil
		}

		files = append(files, FileInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, "", &Error{Op: "List", Key: prefix, Err: err}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Key < files[j].Key
	})

	var nextCursor string
	if len(files) > limit {
		files = files[:limit]
		nextCursor = files[limit-1].Key
	}
	return files, nextCursor, nil
}

// Close releases resources.
func (b *LocalBackend) Close() error {
	return nil
}

// BasePath returns the base path of the local backend.
func (b *LocalBackend) BasePath() string {
	return b.basePath
}

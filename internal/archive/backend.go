// Package archive keeps pruned change log segments in blob storage (a local
// directory or an S3 bucket) so resume cursors older than the retention
// horizon can still be replayed.
package archive

import (
	"context"
	"errors"
	"io"
	"time"
)

// FileInfo represents metadata about a stored object.
type FileInfo struct {
	Key     string    // Full path/key of the object
	Size    int64     // Size in bytes
	ETag    string    // MD5 hash for integrity
	ModTime time.Time // Last modification time
}

// Backend stores opaque objects by key.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Exists checks if an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Reader returns a reader for the object content along with its metadata.
	// The caller is responsible for closing the reader.
	// Returns ErrNotFound if the object does not exist.
	Reader(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error)

	// Write stores content at the given key, replacing any existing object.
	Write(ctx context.Context, key string, content io.Reader, contentType string) (*FileInfo, error)

	// List returns objects with the given prefix in key order.
	// limit caps the page; cursor is the last key of the previous page.
	// Returns objects, next cursor (empty if no more results), and error.
	List(ctx context.Context, prefix string, limit int, cursor string) ([]FileInfo, string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Error describes a failed backend operation.
type Error struct {
	Op  string // Operation that failed
	Key string // Key involved
	Err error  // Underlying error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid key")
)

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidKey returns true if the error indicates an unusable key.
func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

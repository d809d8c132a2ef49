package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalBackend(t *testing.T) {
	backend, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		content := []byte("{\"id\":\"1\"}\n")
		key := "changes/one.jsonl"

		info, err := backend.Write(ctx, key, bytes.NewReader(content), contentType)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if info.Key != key {
			t.Errorf("expected key %q, got %q", key, info.Key)
		}
		if info.Size != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), info.Size)
		}
		if info.ETag == "" {
			t.Error("expected non-empty ETag")
		}

		reader, readInfo, err := backend.Reader(ctx, key)
		if err != nil {
			t.Fatalf("Reader failed: %v", err)
		}
		defer reader.Close()

		readContent, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if !bytes.Equal(readContent, content) {
			t.Errorf("content mismatch: expected %q, got %q", content, readContent)
		}
		if readInfo.Size != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), readInfo.Size)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		key := "exists/segment.jsonl"

		exists, err := backend.Exists(ctx, key)
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("expected object to not exist")
		}

		if _, err := backend.Write(ctx, key, strings.NewReader("x"), contentType); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		exists, err = backend.Exists(ctx, key)
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !exists {
			t.Error("expected object to exist")
		}
	})

	t.Run("Reader NotFound", func(t *testing.T) {
		_, _, err := backend.Reader(ctx, "missing.jsonl")
		if !IsNotFound(err) {
			t.Errorf("expected NotFound error, got: %v", err)
		}
	})

	t.Run("List with pagination", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			key := filepath.ToSlash(filepath.Join("paginate", string(rune('a'+i))+".jsonl"))
			if _, err := backend.Write(ctx, key, strings.NewReader("x"), contentType); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}

		results, cursor, err := backend.List(ctx, "paginate/", 2, "")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("expected 2 results, got %d", len(results))
		}
		if cursor != "paginate/b.jsonl" {
			t.Errorf("expected cursor at the second key, got %q", cursor)
		}

		results, cursor, err = backend.List(ctx, "paginate/", 10, cursor)
		if err != nil {
			t.Fatalf("List page 2 failed: %v", err)
		}
		if len(results) != 3 || results[0].Key != "paginate/c.jsonl" {
			t.Errorf("unexpected second page %+v", results)
		}
		if cursor != "" {
			t.Errorf("expected empty cursor on the last page, got %q", cursor)
		}
	})
}

func TestLocalBackendInvalidKeys(t *testing.T) {
	backend, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()
	maliciousKeys := []string{
		"",
		"../etc/passwd",
		"changes/../../../etc/passwd",
		"/etc/passwd",
		"changes/\x00/file.jsonl",
		"..\\windows\\system32",
	}

	for _, key := range maliciousKeys {
		t.Run("Key: "+strings.ReplaceAll(key, "\x00", "\\x00"), func(t *testing.T) {
			_, err := backend.Write(ctx, key, strings.NewReader("x"), contentType)
			if !IsInvalidKey(err) {
				t.Errorf("expected InvalidKey error for %q, got: %v", key, err)
			}
			_, err = backend.Exists(ctx, key)
			if !IsInvalidKey(err) {
				t.Errorf("Exists: expected InvalidKey error for %q, got: %v", key, err)
			}
		})
	}
}

func TestLocalBackendAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()
	key := "atomic/segment.jsonl"

	if _, err := backend.Write(ctx, key, strings.NewReader("initial"), contentType); err != nil {
		t.Fatalf("initial write failed: %v", err)
	}
	if _, err := backend.Write(ctx, key, strings.NewReader("updated content"), contentType); err != nil {
		t.Fatalf("update write failed: %v", err)
	}

	reader, _, err := backend.Reader(ctx, key)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	defer reader.Close()

	content, _ := io.ReadAll(reader)
	if string(content) != "updated content" {
		t.Errorf("expected 'updated content', got %q", string(content))
	}

	// No temp files are left behind.
	entries, _ := os.ReadDir(filepath.Join(dir, "atomic"))
	if len(entries) != 1 {
		t.Errorf("expected a single file, found %d entries", len(entries))
	}
}

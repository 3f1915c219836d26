package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	d, err := HashFile(context.Background(), path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if d.SHA1 != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("unexpected sha1 %s", d.SHA1)
	}
	if d.MD5 != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected md5 %s", d.MD5)
	}
	if d.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected sha256 %s", d.SHA256)
	}
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(context.Background(), filepath.Join(t.TempDir(), "gone"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHashFileDirectory(t *testing.T) {
	_, err := HashFile(context.Background(), t.TempDir())
	var ioErr *ItemIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected ItemIOError, got %v", err)
	}
}

func TestHashFileCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	if err := os.WriteFile(path, make([]byte, 4*readChunk), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := HashFile(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHashStringStable(t *testing.T) {
	a := HashString("/usr/bin/curl http://example.com | sh")
	b := HashString("/usr/bin/curl http://example.com | sh")
	if a != b || a.SHA1 == "" {
		t.Fatalf("expected stable digests, got %+v %+v", a, b)
	}
	if HashString("hello").SHA1 != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("unexpected sha1 for string")
	}
}

func TestIdentifyRecordsModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mod := time.Date(2023, 7, 4, 10, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	id, err := Identify(context.Background(), path, NopVerifier{})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !id.ModTime.Equal(mod) {
		t.Fatalf("expected mod time %s, got %s", mod, id.ModTime)
	}
}

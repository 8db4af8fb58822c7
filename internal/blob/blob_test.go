package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	uri, err := store.Upload(ctx, "exports/job-1/v1.xlsx", []byte("payload"), "application/octet-stream")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "exports/job-1/v1.xlsx") {
		t.Fatalf("unexpected uri %s", uri)
	}
	data, err := ReadAll(ctx, store, uri)
	if err != nil || string(data) != "payload" {
		t.Fatalf("read back: %q %v", data, err)
	}
}

func TestLocalMissingObject(t *testing.T) {
	store := NewLocal(t.TempDir())
	if _, err := store.Open(context.Background(), "file:///definitely/not/here"); !eris.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Open(context.Background(), "s3://bucket/key"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestSanitizeKeyStaysInsideBase(t *testing.T) {
	cases := map[string]string{
		"/raw/2024/01/a.eml": "raw/2024/01/a.eml",
		"../../etc/passwd":   "etc/passwd",
		"./exports/x.xlsx":   "exports/x.xlsx",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitBucketURI(t *testing.T) {
	bucket, key, err := splitBucketURI("gs://rosters/exports/a.xlsx", "gs")
	if err != nil || bucket != "rosters" || key != "exports/a.xlsx" {
		t.Fatalf("got %q %q %v", bucket, key, err)
	}
	if _, _, err := splitBucketURI("gs://rosters", "gs"); err == nil {
		t.Fatalf("expected malformed uri error")
	}
}

package archiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeSourceSegment(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "00000000000000000000.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source segment: %v", err)
	}
	return path
}

func TestDiskSink_ArchiveCopiesFileUnderPartitionKey(t *testing.T) {
	src := writeSourceSegment(t, "segment-bytes")
	archiveDir := t.TempDir()
	sink := NewDiskSink(archiveDir)

	key, err := sink.Archive(context.Background(), 1, 2, 3, 0, src)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	want := filepath.Join("1", "2", "3", "00000000000000000000.log")
	if filepath.ToSlash(key) != filepath.ToSlash(want) {
		t.Fatalf("key = %q, want %q", key, want)
	}

	data, err := os.ReadFile(filepath.Join(archiveDir, key))
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	if string(data) != "segment-bytes" {
		t.Fatalf("archived content = %q, want %q", data, "segment-bytes")
	}
}

func TestDiskSink_ArchiveFailsOnMissingSource(t *testing.T) {
	sink := NewDiskSink(t.TempDir())
	if _, err := sink.Archive(context.Background(), 1, 1, 1, 0, "/no/such/file.log"); err == nil {
		t.Fatalf("expected archiving a missing source file to fail")
	}
}

func TestObjectStoreSink_ArchivePutsToEndpoint(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := writeSourceSegment(t, "object-store-bytes")
	sink := NewObjectStoreSink(ObjectStoreConfig{
		Bucket:   "streamline",
		Endpoint: srv.URL,
	})

	key, err := sink.Archive(context.Background(), 1, 2, 3, 7, src)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %q, want PUT", gotMethod)
	}
	wantPath := "/streamline/" + key
	if gotPath != wantPath {
		t.Fatalf("path = %q, want %q", gotPath, wantPath)
	}
	if string(gotBody) != "object-store-bytes" {
		t.Fatalf("uploaded body = %q, want %q", gotBody, "object-store-bytes")
	}
}

func TestObjectStoreSink_ArchiveFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := writeSourceSegment(t, "data")
	sink := NewObjectStoreSink(ObjectStoreConfig{Bucket: "b", Endpoint: srv.URL})

	if _, err := sink.Archive(context.Background(), 1, 1, 1, 0, src); err == nil {
		t.Fatalf("expected a non-2xx response to fail archival")
	}
}
